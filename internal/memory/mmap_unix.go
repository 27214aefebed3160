//go:build unix

package memory

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MappedFile is a file mapped read/write into the process address space.
type MappedFile struct {
	data []byte
	path string
}

// MapNew creates a file of the given length and maps it. When sparse is false
// the file is pre-touched so page faults do not land on the hot path.
func MapNew(path string, length int64, sparse bool) (*MappedFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(length); err != nil {
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if !sparse {
		pageSize := os.Getpagesize()
		for i := 0; i < len(data); i += pageSize {
			data[i] = 0
		}
	}
	return &MappedFile{data: data, path: path}, nil
}

// MapExisting maps an existing file in full.
func MapExisting(path string, readOnly bool) (*MappedFile, error) {
	flags := os.O_RDWR
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		flags = os.O_RDONLY
		prot = unix.PROT_READ
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &MappedFile{data: data, path: path}, nil
}

// Data returns the mapped bytes.
func (m *MappedFile) Data() []byte {
	return m.data
}

// Path returns the backing file path.
func (m *MappedFile) Path() string {
	return m.path
}

// Close unmaps the region. The backing file is left on disk.
func (m *MappedFile) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

// Delete unmaps the region and removes the backing file.
func (m *MappedFile) Delete() error {
	if err := m.Close(); err != nil {
		return err
	}
	return os.Remove(m.path)
}

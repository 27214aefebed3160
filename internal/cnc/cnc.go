// Package cnc defines the command-and-control file through which clients find
// the driver's ring, broadcast, counters, and error log regions.
package cnc

import (
	"fmt"
	"path/filepath"

	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// FileName is the well-known CnC file name inside the driver directory.
const FileName = "cnc.dat"

// Version is the semantic version of the CnC layout. Only the major component
// must match between a client and driver.
var Version = util.SemanticVersionCompose(1, 0, 0)

// Header layout. The version is written last with release semantics, so a
// reader observing a non-zero version sees a complete header.
//
//	0   cncVersion               int32
//	4   toDriverRingLength       int32
//	8   toClientsBroadcastLength int32
//	12  counterMetadataLength    int32
//	16  counterValuesLength      int32
//	20  errorLogLength           int32
//	24  clientLivenessTimeoutNs  int64
//	32  startTimestampMs         int64
//	40  pid                      int64
const (
	versionOffset             = 0
	toDriverLengthOffset      = 4
	toClientsLengthOffset     = 8
	counterMetaLengthOffset   = 12
	counterValuesLengthOffset = 16
	errorLogLengthOffset      = 20
	livenessTimeoutOffset     = 24
	startTimestampOffset      = 32
	pidOffset                 = 40

	// HeaderLength is the header region size, one cache line pair.
	HeaderLength = 2 * util.CacheLineLength
)

// Options size the five regions and stamp the header.
type Options struct {
	ToDriverLength          int32
	ToClientsLength         int32
	CounterMetadataLength   int32
	CounterValuesLength     int32
	ErrorLogLength          int32
	ClientLivenessTimeoutNs int64
	StartTimestampMs        int64
	PID                     int64
}

// File is a mapped CnC file carved into its regions.
type File struct {
	mapped *memory.MappedFile

	ToDriver      *memory.Buffer
	ToClients     *memory.Buffer
	CounterMeta   *memory.Buffer
	CounterValues *memory.Buffer
	ErrorLog      *memory.Buffer

	ClientLivenessTimeoutNs int64
	StartTimestampMs        int64
	PID                     int64
}

// Path returns the CnC file path for a driver directory.
func Path(driverDir string) string {
	return filepath.Join(driverDir, FileName)
}

// CreateFile builds and maps the CnC file for a starting driver. The version
// is published after all region lengths are in place.
func CreateFile(driverDir string, opts Options) (*File, error) {
	total := int64(HeaderLength) +
		int64(opts.ToDriverLength) + int64(opts.ToClientsLength) +
		int64(opts.CounterMetadataLength) + int64(opts.CounterValuesLength) +
		int64(opts.ErrorLogLength)

	mapped, err := memory.MapNew(Path(driverDir), total, false)
	if err != nil {
		return nil, err
	}
	header := memory.NewBuffer(mapped.Data()[:HeaderLength])
	header.PutInt32(toDriverLengthOffset, opts.ToDriverLength)
	header.PutInt32(toClientsLengthOffset, opts.ToClientsLength)
	header.PutInt32(counterMetaLengthOffset, opts.CounterMetadataLength)
	header.PutInt32(counterValuesLengthOffset, opts.CounterValuesLength)
	header.PutInt32(errorLogLengthOffset, opts.ErrorLogLength)
	header.PutInt64(livenessTimeoutOffset, opts.ClientLivenessTimeoutNs)
	header.PutInt64(startTimestampOffset, opts.StartTimestampMs)
	header.PutInt64(pidOffset, opts.PID)
	header.PutInt32Ordered(versionOffset, Version)

	return carve(mapped)
}

// MapFile maps an existing CnC file, checking the version major component.
func MapFile(driverDir string) (*File, error) {
	mapped, err := memory.MapExisting(Path(driverDir), false)
	if err != nil {
		return nil, err
	}
	if len(mapped.Data()) < HeaderLength {
		_ = mapped.Close()
		return nil, fmt.Errorf("cnc file truncated: %d bytes", len(mapped.Data()))
	}
	header := memory.NewBuffer(mapped.Data()[:HeaderLength])
	version := header.GetInt32Volatile(versionOffset)
	if version == 0 {
		_ = mapped.Close()
		return nil, fmt.Errorf("cnc file not initialised")
	}
	if util.SemanticVersionMajor(version) != util.SemanticVersionMajor(Version) {
		_ = mapped.Close()
		return nil, fmt.Errorf("cnc version %d.%d.%d incompatible with %d.%d.%d",
			util.SemanticVersionMajor(version), util.SemanticVersionMinor(version), util.SemanticVersionPatch(version),
			util.SemanticVersionMajor(Version), util.SemanticVersionMinor(Version), util.SemanticVersionPatch(Version))
	}
	return carve(mapped)
}

func carve(mapped *memory.MappedFile) (*File, error) {
	data := mapped.Data()
	header := memory.NewBuffer(data[:HeaderLength])

	lengths := []int32{
		header.GetInt32(toDriverLengthOffset),
		header.GetInt32(toClientsLengthOffset),
		header.GetInt32(counterMetaLengthOffset),
		header.GetInt32(counterValuesLengthOffset),
		header.GetInt32(errorLogLengthOffset),
	}
	offset := int64(HeaderLength)
	regions := make([]*memory.Buffer, len(lengths))
	for i, length := range lengths {
		if length < 0 || offset+int64(length) > int64(len(data)) {
			_ = mapped.Close()
			return nil, fmt.Errorf("cnc region %d exceeds file: offset %d length %d", i, offset, length)
		}
		regions[i] = memory.NewBuffer(data[offset : offset+int64(length)])
		offset += int64(length)
	}

	return &File{
		mapped:                  mapped,
		ToDriver:                regions[0],
		ToClients:               regions[1],
		CounterMeta:             regions[2],
		CounterValues:           regions[3],
		ErrorLog:                regions[4],
		ClientLivenessTimeoutNs: header.GetInt64(livenessTimeoutOffset),
		StartTimestampMs:        header.GetInt64(startTimestampOffset),
		PID:                     header.GetInt64(pidOffset),
	}, nil
}

// Close unmaps the file.
func (f *File) Close() error {
	return f.mapped.Close()
}

// Delete unmaps and removes the file; driver shutdown only.
func (f *File) Delete() error {
	return f.mapped.Delete()
}

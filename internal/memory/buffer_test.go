package memory

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestBufferPlainAccess(t *testing.T) {
	b := NewBuffer(make([]byte, 64))

	b.PutInt32(0, -7)
	if got := b.GetInt32(0); got != -7 {
		t.Fatalf("int32 %d", got)
	}
	b.PutInt64(8, 1<<40)
	if got := b.GetInt64(8); got != 1<<40 {
		t.Fatalf("int64 %d", got)
	}
	b.PutInt16(16, 300)
	if got := b.GetInt16(16); got != 300 {
		t.Fatalf("int16 %d", got)
	}
	b.PutUint8(18, 0x80)
	if got := b.GetUint8(18); got != 0x80 {
		t.Fatalf("uint8 %d", got)
	}
}

func TestBufferAtomics(t *testing.T) {
	b := NewBuffer(make([]byte, 64))

	b.PutInt64Ordered(0, 5)
	if got := b.GetInt64Volatile(0); got != 5 {
		t.Fatalf("volatile %d", got)
	}
	if !b.CompareAndSetInt64(0, 5, 9) {
		t.Fatalf("cas failed")
	}
	if b.CompareAndSetInt64(0, 5, 11) {
		t.Fatalf("stale cas succeeded")
	}
	if prev := b.GetAndAddInt64(0, 3); prev != 9 {
		t.Fatalf("get-and-add previous %d", prev)
	}
	if got := b.GetInt64(0); got != 12 {
		t.Fatalf("after add %d", got)
	}
}

func TestGetAndAddConcurrent(t *testing.T) {
	b := NewBuffer(make([]byte, 8))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.GetAndAddInt64(0, 1)
			}
		}()
	}
	wg.Wait()
	if got := b.GetInt64Volatile(0); got != 8000 {
		t.Fatalf("total %d, want 8000", got)
	}
}

func TestMapNewAndExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "region.dat")

	created, err := MapNew(path, 8192, false)
	if err != nil {
		t.Fatalf("map new: %v", err)
	}
	defer created.Delete()
	if len(created.Data()) != 8192 {
		t.Fatalf("mapped length %d", len(created.Data()))
	}
	created.Data()[100] = 0xAB

	other, err := MapExisting(path, false)
	if err != nil {
		t.Fatalf("map existing: %v", err)
	}
	defer other.Close()
	if other.Data()[100] != 0xAB {
		t.Fatalf("write not visible across mappings")
	}

	if _, err := MapNew(path, 8192, false); err == nil {
		t.Fatalf("map new over existing file succeeded")
	}
}

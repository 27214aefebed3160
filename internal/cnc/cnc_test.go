package cnc

import (
	"testing"

	"github.com/ppiankov/aerobus/internal/util"
)

func testOptions() Options {
	return Options{
		ToDriverLength:          64 * 1024,
		ToClientsLength:         64 * 1024,
		CounterMetadataLength:   32 * 1024,
		CounterValuesLength:     8 * 1024,
		ErrorLogLength:          16 * 1024,
		ClientLivenessTimeoutNs: 5_000_000_000,
		StartTimestampMs:        1700000000000,
		PID:                     4242,
	}
}

func TestCreateAndMapRoundTrip(t *testing.T) {
	dir := t.TempDir()

	created, err := CreateFile(dir, testOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer created.Delete()

	mapped, err := MapFile(dir)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer mapped.Close()

	if mapped.PID != 4242 || mapped.StartTimestampMs != 1700000000000 {
		t.Fatalf("header %d/%d", mapped.PID, mapped.StartTimestampMs)
	}
	if mapped.ClientLivenessTimeoutNs != 5_000_000_000 {
		t.Fatalf("liveness %d", mapped.ClientLivenessTimeoutNs)
	}
	if mapped.ToDriver.Capacity() != 64*1024 {
		t.Fatalf("to-driver %d", mapped.ToDriver.Capacity())
	}
	if mapped.ErrorLog.Capacity() != 16*1024 {
		t.Fatalf("error log %d", mapped.ErrorLog.Capacity())
	}

	// Writes through one mapping are visible through the other.
	created.CounterValues.PutInt64Ordered(0, 99)
	if got := mapped.CounterValues.GetInt64Volatile(0); got != 99 {
		t.Fatalf("cross-mapping read %d", got)
	}
}

func TestMapMissingFile(t *testing.T) {
	if _, err := MapFile(t.TempDir()); err == nil {
		t.Fatalf("mapped nonexistent cnc file")
	}
}

func TestVersionMajorMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	created, err := CreateFile(dir, testOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer created.Delete()

	old := Version
	Version = util.SemanticVersionCompose(2, 0, 0)
	defer func() { Version = old }()

	if _, err := MapFile(dir); err == nil {
		t.Fatalf("major version mismatch accepted")
	}
}

func TestMinorVersionDifferenceAccepted(t *testing.T) {
	dir := t.TempDir()
	created, err := CreateFile(dir, testOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer created.Delete()

	old := Version
	Version = util.SemanticVersionCompose(1, 9, 3)
	defer func() { Version = old }()

	mapped, err := MapFile(dir)
	if err != nil {
		t.Fatalf("minor version difference rejected: %v", err)
	}
	mapped.Close()
}

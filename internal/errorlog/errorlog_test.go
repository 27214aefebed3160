package errorlog

import (
	"testing"

	"github.com/ppiankov/aerobus/internal/memory"
)

func TestRecordDeduplicatesDistinctErrors(t *testing.T) {
	now := int64(1000)
	buf := memory.NewBuffer(make([]byte, 4096))
	log := NewLog(buf, func() int64 { return now })

	if !log.Record("bind failed: address in use") {
		t.Fatalf("first record failed")
	}
	now = 2000
	if !log.Record("bind failed: address in use") {
		t.Fatalf("repeat record failed")
	}
	if !log.Record("another failure") {
		t.Fatalf("second distinct record failed")
	}

	var got []Observation
	entries := Read(buf, func(obs Observation) { got = append(got, obs) })
	if entries != 2 {
		t.Fatalf("entries %d, want 2", entries)
	}
	if got[0].Count != 2 {
		t.Fatalf("first count %d, want 2", got[0].Count)
	}
	if got[0].FirstMs != 1000 || got[0].LastMs != 2000 {
		t.Fatalf("timestamps %d/%d", got[0].FirstMs, got[0].LastMs)
	}
	if got[0].Encoded != "bind failed: address in use" {
		t.Fatalf("encoded %q", got[0].Encoded)
	}
	if got[1].Count != 1 {
		t.Fatalf("second count %d", got[1].Count)
	}
}

func TestRecordReportsFullRegion(t *testing.T) {
	buf := memory.NewBuffer(make([]byte, 128))
	log := NewLog(buf, func() int64 { return 0 })

	if !log.Record("short") {
		t.Fatalf("first record failed")
	}
	if log.Record("this one will not fit in what remains of the region") {
		t.Fatalf("record accepted past capacity")
	}
	// Repeats of a recorded error still count.
	if !log.Record("short") {
		t.Fatalf("repeat after full failed")
	}
}

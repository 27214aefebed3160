package idle

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := map[string]Kind{
		"busy-spin": BusySpin,
		"yield":     Yield,
		"sleep":     Sleep,
		"backoff":   Backoff,
		"":          Backoff,
	}
	for name, want := range cases {
		if got := Parse(name); got != want {
			t.Fatalf("%q: %d, want %d", name, got, want)
		}
	}
}

func TestBackoffEscalatesAndResets(t *testing.T) {
	s := New(Backoff)

	// Spin phase does not sleep.
	start := time.Now()
	for i := 0; i < s.maxSpins; i++ {
		s.Idle(0)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("spin phase slept")
	}
	if s.spins != s.maxSpins {
		t.Fatalf("spins %d", s.spins)
	}

	// Work resets accumulated state.
	s.Idle(1)
	if s.spins != 0 || s.yields != 0 {
		t.Fatalf("not reset: spins %d yields %d", s.spins, s.yields)
	}
}

func TestSleepStrategySleeps(t *testing.T) {
	s := NewSleeping(10 * time.Millisecond)
	start := time.Now()
	s.Idle(0)
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("sleep strategy returned early")
	}
}

package flowcontrol

import "testing"

func TestParse(t *testing.T) {
	if Parse("") != MaxOf || Parse("max") != MaxOf {
		t.Fatalf("default not max")
	}
	if Parse("min") != MinOf {
		t.Fatalf("min not parsed")
	}
	if Parse("min,t:500ms") != MinOf {
		t.Fatalf("min with options not parsed")
	}
}

func TestMaxOfTracksFastestConsumer(t *testing.T) {
	s := New(MaxOf, 1000)

	if got := s.PositionLimit(500); got != 1500 {
		t.Fatalf("no-receiver limit %d, want 1500", got)
	}

	s.OnStatus(100, 200)
	s.OnStatus(400, 200)
	s.OnStatus(50, 200)
	if got := s.PositionLimit(500); got != 600 {
		t.Fatalf("limit %d, want 600", got)
	}
}

func TestMinOfTracksSlowestConsumer(t *testing.T) {
	s := New(MinOf, 1000)
	s.OnStatus(100, 200)
	s.OnStatus(400, 200)
	if got := s.PositionLimit(0); got != 300 {
		t.Fatalf("limit %d, want 300", got)
	}
}

func TestOnIdleResetsReceiverTracking(t *testing.T) {
	s := New(MaxOf, 1000)
	s.OnStatus(100, 200)
	if !s.HasReceivers() {
		t.Fatalf("receivers not tracked")
	}
	s.OnIdle()
	if s.HasReceivers() {
		t.Fatalf("receivers not reset")
	}
	if got := s.PositionLimit(700); got != 1700 {
		t.Fatalf("limit after idle %d, want window from sender", got)
	}
}

// Package idle provides the strategies agents use between duty cycles.
// Strategies are tagged variants dispatched through a small table rather than
// an interface hierarchy, since the set is open but flat.
package idle

import (
	"runtime"
	"time"
)

// Kind selects an idle strategy.
type Kind int

// Built-in strategies.
const (
	BusySpin Kind = iota
	Yield
	Sleep
	Backoff
)

// Strategy tracks per-agent idle state. Zero value is a busy-spin.
type Strategy struct {
	kind Kind

	sleepPeriod time.Duration
	maxSpins    int
	maxYields   int

	spins  int
	yields int
	paused time.Duration
}

// New builds a strategy of the given kind with its defaults.
func New(kind Kind) *Strategy {
	s := &Strategy{kind: kind, sleepPeriod: time.Millisecond}
	if kind == Backoff {
		s.maxSpins = 10
		s.maxYields = 20
		s.paused = time.Microsecond
	}
	return s
}

// NewSleeping builds a sleep strategy with an explicit period.
func NewSleeping(period time.Duration) *Strategy {
	return &Strategy{kind: Sleep, sleepPeriod: period}
}

// Parse maps a config name onto a strategy kind.
func Parse(name string) Kind {
	switch name {
	case "busy-spin", "busyspin":
		return BusySpin
	case "yield":
		return Yield
	case "sleep":
		return Sleep
	default:
		return Backoff
	}
}

// Idle advances the strategy given the work count of the last duty cycle.
// Any work resets accumulated back-off.
func (s *Strategy) Idle(workCount int) {
	if workCount > 0 {
		s.Reset()
		return
	}

	switch s.kind {
	case BusySpin:
	case Yield:
		runtime.Gosched()
	case Sleep:
		time.Sleep(s.sleepPeriod)
	case Backoff:
		switch {
		case s.spins < s.maxSpins:
			s.spins++
		case s.yields < s.maxYields:
			s.yields++
			runtime.Gosched()
		default:
			time.Sleep(s.paused)
			if s.paused < s.sleepPeriod {
				s.paused *= 2
			}
		}
	}
}

// Reset clears accumulated back-off state.
func (s *Strategy) Reset() {
	s.spins = 0
	s.yields = 0
	if s.kind == Backoff {
		s.paused = time.Microsecond
	}
}

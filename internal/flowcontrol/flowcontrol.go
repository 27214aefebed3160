// Package flowcontrol computes the position limit a publication may write to,
// from the positions its consumers report. Strategies are tagged variants
// selected by the channel's fc parameter.
package flowcontrol

import "strings"

// Kind selects a flow control strategy.
type Kind int

// Built-in strategies.
const (
	// MaxOf tracks the fastest consumer: the limit is the greatest reported
	// position plus the window.
	MaxOf Kind = iota
	// MinOf tracks the slowest consumer so none is overrun.
	MinOf
)

// Parse maps the channel fc parameter onto a strategy kind. The value may
// carry suffix options (e.g. "min,t:500ms"), which selection ignores.
func Parse(value string) Kind {
	name := value
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		name = value[:idx]
	}
	switch name {
	case "min":
		return MinOf
	default:
		return MaxOf
	}
}

// State folds consumer position reports into a limit.
type State struct {
	kind          Kind
	initialWindow int64

	hasReceivers bool
	limit        int64
}

// New builds flow control state with the given receiver window.
func New(kind Kind, initialWindow int64) *State {
	return &State{kind: kind, initialWindow: initialWindow}
}

// OnStatus folds one consumer's reported position into the state.
func (s *State) OnStatus(position, windowLength int64) {
	candidate := position + windowLength
	switch s.kind {
	case MinOf:
		if !s.hasReceivers || candidate < s.limit {
			s.limit = candidate
		}
	default:
		if !s.hasReceivers || candidate > s.limit {
			s.limit = candidate
		}
	}
	s.hasReceivers = true
}

// OnIdle resets consumer tracking for a new accumulation round.
func (s *State) OnIdle() {
	s.hasReceivers = false
}

// PositionLimit returns the current limit given the sender position; with no
// consumers the initial window applies from the sender position.
func (s *State) PositionLimit(senderPosition int64) int64 {
	if !s.hasReceivers {
		return senderPosition + s.initialWindow
	}
	return s.limit
}

// HasReceivers reports whether any consumer status has been folded in.
func (s *State) HasReceivers() bool {
	return s.hasReceivers
}

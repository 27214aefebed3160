package client

import "github.com/ppiankov/aerobus/internal/logbuffer"

// FragmentAssembler reassembles fragmented messages before invoking its
// delegate. Runs of BEGIN..END fragments are buffered per session; whole
// messages pass through without copying.
type FragmentAssembler struct {
	delegate logbuffer.FragmentHandler
	builders map[int32][]byte
}

// NewFragmentAssembler wraps a handler that wants whole messages.
func NewFragmentAssembler(delegate logbuffer.FragmentHandler) *FragmentAssembler {
	return &FragmentAssembler{
		delegate: delegate,
		builders: make(map[int32][]byte),
	}
}

// OnFragment is the logbuffer.FragmentHandler to hand to Subscription.Poll.
func (a *FragmentAssembler) OnFragment(payload []byte, header *logbuffer.Header) {
	flags := header.Flags()
	if flags&logbuffer.UnfragmentedFlags == logbuffer.UnfragmentedFlags {
		a.delegate(payload, header)
		return
	}

	sessionID := header.SessionID()
	switch {
	case flags&logbuffer.BeginFragFlag != 0:
		a.builders[sessionID] = append(a.builders[sessionID][:0], payload...)
	case flags&logbuffer.EndFragFlag != 0:
		if builder, ok := a.builders[sessionID]; ok {
			whole := append(builder, payload...)
			delete(a.builders, sessionID)
			a.delegate(whole, header)
		}
	default:
		if builder, ok := a.builders[sessionID]; ok {
			a.builders[sessionID] = append(builder, payload...)
		}
	}
}

package client

import (
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/logbuffer"
)

// Image is one producer session observed by a subscription. Polling advances
// the subscriber position counter the driver uses for flow control and
// cleanup decisions.
type Image struct {
	correlationID  int64
	sessionID      int32
	sourceIdentity string

	log                *logbuffer.LogBuffers
	subscriberPosition *counters.Counter

	termLengthMask int32
	positionBits   uint8
	initialTermID  int32
	header         logbuffer.Header

	closed bool
}

// CorrelationID identifies the image.
func (i *Image) CorrelationID() int64 {
	return i.correlationID
}

// SessionID returns the producer session id.
func (i *Image) SessionID() int32 {
	return i.sessionID
}

// SourceIdentity describes the producer's address.
func (i *Image) SourceIdentity() string {
	return i.sourceIdentity
}

// Position returns the subscriber position for this image.
func (i *Image) Position() int64 {
	return i.subscriberPosition.Get()
}

// IsEndOfStream reports whether the producer published its final position and
// this image has consumed up to it.
func (i *Image) IsEndOfStream() bool {
	return i.Position() >= i.log.Meta().EndOfStreamPosition()
}

// Poll delivers up to fragmentLimit fragments to the handler and advances the
// subscriber position.
func (i *Image) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int {
	if i.closed {
		return 0
	}
	position := i.subscriberPosition.Get()
	termOffset := int32(position) & i.termLengthMask
	termID := logbuffer.ComputeTermIDFromPosition(position, i.positionBits, i.initialTermID)
	index := logbuffer.IndexByTermCount(termID - i.initialTermID)
	termBuffer := i.log.TermBuffer(index)

	outcome := logbuffer.TermRead(termBuffer, termOffset, handler, fragmentLimit, &i.header)
	if advance := int64(outcome.Offset - termOffset); advance > 0 {
		i.subscriberPosition.Set(position + advance)
	}
	return outcome.FragmentsRead
}

func (i *Image) close() {
	if i.closed {
		return
	}
	i.closed = true
	_ = i.log.Close()
}

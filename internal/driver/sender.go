package driver

import (
	"sync/atomic"

	"github.com/ppiankov/aerobus/internal/logbuffer"
	"github.com/ppiankov/aerobus/internal/util"
)

// Sender advances sender positions over committed frames; the conductor folds
// those positions into publisher limits through flow control. The datagram
// I/O itself lives outside the core; this agent is the conductor's contract
// with it: it consumes log buffers by position and publishes the sender
// position through a counter.
type Sender struct {
	ctx  *Context
	pubs atomic.Pointer[[]*senderEntry]
}

type senderEntry struct {
	pub *Publication
}

// NewSender builds the sender agent.
func NewSender(ctx *Context) *Sender {
	s := &Sender{ctx: ctx}
	empty := make([]*senderEntry, 0)
	s.pubs.Store(&empty)
	return s
}

// OnNewPublication registers a network publication with the sender. Called
// from the conductor thread; the slice is swapped atomically for the sender
// thread.
func (s *Sender) OnNewPublication(pub *Publication) {
	current := *s.pubs.Load()
	next := make([]*senderEntry, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, &senderEntry{pub: pub})
	s.pubs.Store(&next)
}

// OnRemovePublication deregisters a closed publication.
func (s *Sender) OnRemovePublication(pub *Publication) {
	current := *s.pubs.Load()
	next := make([]*senderEntry, 0, len(current))
	for _, entry := range current {
		if entry.pub != pub {
			next = append(next, entry)
		}
	}
	s.pubs.Store(&next)
}

// DoWork runs one sender duty cycle over every registered publication.
func (s *Sender) DoWork() int {
	work := 0
	for _, entry := range *s.pubs.Load() {
		work += s.service(entry.pub)
	}
	return work
}

// service consumes committed frames up to the producer position, advancing
// the sender position the conductor and flow control read.
func (s *Sender) service(pub *Publication) int {
	if pub.senderPos == nil {
		return 0
	}
	senderPosition := pub.senderPos.GetPlain()
	producerPosition := pub.producerPosition()
	if producerPosition <= senderPosition {
		return 0
	}

	// Walk committed frames; stop at an uncommitted claim so the position
	// never crosses an unpublished frame.
	termOffset := logbuffer.ComputeTermOffsetFromPosition(senderPosition, pub.positionBits)
	termID := logbuffer.ComputeTermIDFromPosition(senderPosition, pub.positionBits, pub.initialTermID)
	index := logbuffer.IndexByTermCount(termID - pub.initialTermID)
	termBuffer := pub.log.TermBuffer(index)

	available := int32(0)
	for termOffset+available < pub.termLength {
		frameLength := logbuffer.FrameLengthVolatile(termBuffer, termOffset+available)
		if frameLength <= 0 {
			break
		}
		available += util.AlignInt32(frameLength, logbuffer.FrameAlignment)
	}
	if available == 0 {
		return 0
	}

	newPosition := senderPosition + int64(available)
	pub.senderPos.Set(newPosition)
	return 1
}

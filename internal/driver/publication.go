package driver

import (
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/flowcontrol"
	"github.com/ppiankov/aerobus/internal/logbuffer"
)

// publicationState drives the linger lifecycle.
type publicationState int

const (
	publicationActive publicationState = iota
	publicationLinger
	publicationClosed
)

// Publication is the driver-side producer resource: the log buffer, the
// position-limit counter producers honour, and the refcount across the links
// that share it. A nil endpoint marks an IPC publication.
type Publication struct {
	registrationID int64
	sessionID      int32
	streamID       int32
	channel        string
	isExclusive    bool
	isIPC          bool
	isSpyable      bool

	endpoint *SendChannelEndpoint
	log      *logbuffer.LogBuffers

	pubLimit   *counters.Counter
	pubLimitID int32
	senderPos  *counters.Counter
	senderPosID int32

	flow *flowcontrol.State

	termLength   int32
	mtuLength    int32
	initialTermID int32
	positionBits uint8

	refCount         int
	state            publicationState
	lingerNs         int64
	lingerDeadlineNs int64

	// subscriber positions of spy and ipc consumers, by subscription
	// registration id
	subscriberPositions map[int64]*counters.Counter
}

// RegistrationID identifies the publication to the control plane.
func (p *Publication) RegistrationID() int64 {
	return p.registrationID
}

// SessionID returns the producer session id.
func (p *Publication) SessionID() int32 {
	return p.sessionID
}

// StreamID returns the application stream id.
func (p *Publication) StreamID() int32 {
	return p.streamID
}

// LogFileName returns the mapped log path clients re-map.
func (p *Publication) LogFileName() string {
	return p.log.FileName()
}

// producerPosition derives the current position from the active term tail.
func (p *Publication) producerPosition() int64 {
	meta := p.log.Meta()
	termCount := meta.ActiveTermCountVolatile()
	rawTail := meta.RawTailVolatile(logbuffer.IndexByTermCount(termCount))
	termOffset := logbuffer.TermOffset(rawTail, int64(p.termLength))
	return logbuffer.ComputePosition(logbuffer.TermID(rawTail), termOffset, p.positionBits, p.initialTermID)
}

// consumerMinPosition is the slowest attached consumer, or the producer
// position when none are attached.
func (p *Publication) consumerMinPosition() int64 {
	producer := p.producerPosition()
	min := producer
	for _, pos := range p.subscriberPositions {
		if v := pos.Get(); v < min {
			min = v
		}
	}
	return min
}

// updatePublisherLimit recomputes the limit from consumer positions. IPC and
// spy consumers bound the producer directly; a network publication with no
// consumers runs on the flow-control window from the sender position. The
// window is clamped to half a term so a producer can never lap a consumer
// still reading the previous terms.
func (p *Publication) updatePublisherLimit(windowLength int64) {
	if half := int64(p.termLength) / 2; windowLength > half {
		windowLength = half
	}
	var limit int64
	if p.isIPC || len(p.subscriberPositions) > 0 {
		limit = p.consumerMinPosition() + windowLength
	} else {
		limit = p.flow.PositionLimit(p.senderPosition())
	}
	if max := logbuffer.MaxPossiblePosition(p.termLength); limit > max {
		limit = max
	}
	p.pubLimit.ProposeMax(limit)
}

func (p *Publication) senderPosition() int64 {
	if p.senderPos != nil {
		return p.senderPos.Get()
	}
	return p.producerPosition()
}

// isAcceptingLinks reports whether new links may attach.
func (p *Publication) isAcceptingLinks() bool {
	return p.state == publicationActive
}

// isDrained reports whether all consumers have reached the producer position.
func (p *Publication) isDrained() bool {
	producer := p.producerPosition()
	for _, pos := range p.subscriberPositions {
		if pos.Get() < producer {
			return false
		}
	}
	return true
}

// publicationLink joins one client registration to a shared publication.
type publicationLink struct {
	registrationID int64
	clientID       int64
	publication    *Publication
}

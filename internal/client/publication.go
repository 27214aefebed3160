package client

import (
	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/logbuffer"
)

// Offer and TryClaim sentinels, distinguishable from positive positions.
const (
	// NotConnected means no subscriber is attached yet.
	NotConnected = int64(-1)
	// BackPressured means the position limit is reached; retry later.
	BackPressured = int64(-2)
	// AdminAction means a term rotation happened underfoot; retry immediately.
	AdminAction = int64(-3)
	// Closed means the publication is closed.
	Closed = int64(-4)
	// MaxPositionExceeded means the session reached its final position.
	MaxPositionExceeded = int64(-5)
	// PublicationError means the offer itself was invalid, e.g. oversize.
	PublicationError = int64(-6)
)

// Publication is the producer handle onto a stream. Shared publications may
// offer from many goroutines; exclusive publications are single-writer and
// track their own term position.
type Publication struct {
	client  *Client
	channel string

	registrationID         int64
	originalRegistrationID int64
	sessionID              int32
	streamID               int32
	isExclusive            bool

	log       *logbuffer.LogBuffers
	meta      *logbuffer.MetaData
	appenders [logbuffer.PartitionCount]*logbuffer.TermAppender
	exclusive [logbuffer.PartitionCount]*logbuffer.ExclusiveTermAppender

	pubLimit *counters.Counter

	termLength          int32
	positionBits        uint8
	initialTermID       int32
	maxPayloadLength    int32
	maxMessageLength    int32
	maxPossiblePosition int64
	headerTemplate      []byte

	// single-writer term tracking, exclusive only
	exTermID     int32
	exTermOffset int32

	closed bool
}

func newPublication(c *Client, channel string, registrationID int64, ready *command.PublicationReady, isExclusive bool) (*Publication, error) {
	log, err := logbuffer.Map(ready.LogFileName)
	if err != nil {
		return nil, err
	}
	meta := log.Meta()
	termLength := meta.TermLength()

	p := &Publication{
		client:                 c,
		channel:                channel,
		registrationID:         registrationID,
		originalRegistrationID: ready.RegistrationID,
		sessionID:              ready.SessionID,
		streamID:               ready.StreamID,
		isExclusive:            isExclusive,
		log:                    log,
		meta:                   meta,
		pubLimit:               counters.Handle(c.cncFile.CounterValues, ready.PublisherLimitID),
		termLength:             termLength,
		positionBits:           logbuffer.PositionBitsToShift(termLength),
		initialTermID:          meta.InitialTermID(),
		maxPayloadLength:       logbuffer.MaxPayloadLength(meta.MTULength()),
		maxMessageLength:       logbuffer.MaxMessageLength(termLength),
		maxPossiblePosition:    logbuffer.MaxPossiblePosition(termLength),
		headerTemplate:         append([]byte(nil), meta.DefaultFrameHeader()...),
	}
	for i := 0; i < logbuffer.PartitionCount; i++ {
		p.appenders[i] = logbuffer.NewTermAppender(log, i)
		p.exclusive[i] = logbuffer.NewExclusiveTermAppender(log, i)
	}
	if isExclusive {
		termCount := meta.ActiveTermCountVolatile()
		rawTail := meta.RawTail(logbuffer.IndexByTermCount(termCount))
		p.exTermID = logbuffer.TermID(rawTail)
		p.exTermOffset = logbuffer.TermOffset(rawTail, int64(termLength))
	}
	return p, nil
}

// SessionID returns the driver-assigned session id.
func (p *Publication) SessionID() int32 {
	return p.sessionID
}

// StreamID returns the stream id.
func (p *Publication) StreamID() int32 {
	return p.streamID
}

// Channel returns the channel URI the publication was opened with.
func (p *Publication) Channel() string {
	return p.channel
}

// RegistrationID identifies this handle to the driver.
func (p *Publication) RegistrationID() int64 {
	return p.registrationID
}

// IsConnected reports whether any consumer is attached.
func (p *Publication) IsConnected() bool {
	return !p.closed && p.meta.IsConnected()
}

// MaxMessageLength is the largest offerable message.
func (p *Publication) MaxMessageLength() int32 {
	return p.maxMessageLength
}

// Position returns the producer position, or Closed.
func (p *Publication) Position() int64 {
	if p.closed {
		return Closed
	}
	termCount := p.meta.ActiveTermCountVolatile()
	rawTail := p.meta.RawTailVolatile(logbuffer.IndexByTermCount(termCount))
	termOffset := logbuffer.TermOffset(rawTail, int64(p.termLength))
	return logbuffer.ComputePosition(logbuffer.TermID(rawTail), termOffset, p.positionBits, p.initialTermID)
}

// Offer appends a message, fragmenting as needed. Returns the new position or
// a negative sentinel.
func (p *Publication) Offer(msg []byte) int64 {
	return p.OfferReserved(msg, nil)
}

// OfferReserved appends with a reserved-value supplier applied per fragment.
func (p *Publication) OfferReserved(msg []byte, reserved logbuffer.ReservedValueSupplier) int64 {
	return p.offerVector([][]byte{msg}, int32(len(msg)), reserved)
}

// OfferVector appends a message gathered from several slices.
func (p *Publication) OfferVector(iov [][]byte, reserved logbuffer.ReservedValueSupplier) int64 {
	length := int32(0)
	for _, chunk := range iov {
		length += int32(len(chunk))
	}
	return p.offerVector(iov, length, reserved)
}

func (p *Publication) offerVector(iov [][]byte, length int32, reserved logbuffer.ReservedValueSupplier) int64 {
	if p.closed {
		return Closed
	}
	if length > p.maxMessageLength {
		return PublicationError
	}
	if p.isExclusive {
		return p.offerExclusive(iov, length, reserved)
	}

	limit := p.pubLimit.Get()
	termCount := p.meta.ActiveTermCountVolatile()
	index := logbuffer.IndexByTermCount(termCount)
	appender := p.appenders[index]
	rawTail := appender.RawTailVolatile()
	termID := logbuffer.TermID(rawTail)
	termOffset := logbuffer.TermOffset(rawTail, int64(p.termLength))

	// A rotation between reading the term count and the tail leaves them
	// inconsistent; treat as admin action and let the caller retry.
	if termCount != termID-p.initialTermID {
		return AdminAction
	}

	termBegin := logbuffer.ComputeTermBeginPosition(termID, p.positionBits, p.initialTermID)
	position := termBegin + int64(termOffset)
	if position >= p.maxPossiblePosition {
		return MaxPositionExceeded
	}
	if position >= limit {
		return p.backPressureStatus()
	}

	var result int32
	if length <= p.maxPayloadLength {
		result = appender.AppendUnfragmentedVector(p.headerTemplate, iov, length, reserved)
	} else {
		result = appender.AppendFragmentedVector(p.headerTemplate, iov, length, p.maxPayloadLength, reserved)
	}
	return p.resolveAppend(result, termBegin, termCount, termID)
}

// TryClaim reserves an unfragmented frame for zero-copy writing. The caller
// must Commit or Abort the claim promptly.
func (p *Publication) TryClaim(length int32, claim *logbuffer.Claim) int64 {
	if p.closed {
		return Closed
	}
	if length > p.maxPayloadLength {
		return PublicationError
	}
	if p.isExclusive {
		return p.tryClaimExclusive(length, claim)
	}

	limit := p.pubLimit.Get()
	termCount := p.meta.ActiveTermCountVolatile()
	index := logbuffer.IndexByTermCount(termCount)
	appender := p.appenders[index]
	rawTail := appender.RawTailVolatile()
	termID := logbuffer.TermID(rawTail)
	termOffset := logbuffer.TermOffset(rawTail, int64(p.termLength))

	if termCount != termID-p.initialTermID {
		return AdminAction
	}

	termBegin := logbuffer.ComputeTermBeginPosition(termID, p.positionBits, p.initialTermID)
	position := termBegin + int64(termOffset)
	if position >= p.maxPossiblePosition {
		return MaxPositionExceeded
	}
	if position >= limit {
		return p.backPressureStatus()
	}

	result := appender.Claim(p.headerTemplate, length, claim)
	return p.resolveAppend(result, termBegin, termCount, termID)
}

func (p *Publication) offerExclusive(iov [][]byte, length int32, reserved logbuffer.ReservedValueSupplier) int64 {
	limit := p.pubLimit.Get()
	termID := p.exTermID
	termOffset := p.exTermOffset
	termCount := termID - p.initialTermID
	index := logbuffer.IndexByTermCount(termCount)
	appender := p.exclusive[index]

	termBegin := logbuffer.ComputeTermBeginPosition(termID, p.positionBits, p.initialTermID)
	position := termBegin + int64(termOffset)
	if position >= p.maxPossiblePosition {
		return MaxPositionExceeded
	}
	if position >= limit {
		return p.backPressureStatus()
	}

	var result int32
	if length <= p.maxPayloadLength {
		result = appender.AppendUnfragmentedVector(termID, termOffset, p.headerTemplate, iov, length, reserved)
	} else {
		result = appender.AppendFragmentedVector(termID, termOffset, p.headerTemplate, iov, length, p.maxPayloadLength, reserved)
	}
	return p.resolveExclusiveAppend(result, termBegin, termCount, termID)
}

func (p *Publication) tryClaimExclusive(length int32, claim *logbuffer.Claim) int64 {
	limit := p.pubLimit.Get()
	termID := p.exTermID
	termOffset := p.exTermOffset
	termCount := termID - p.initialTermID
	appender := p.exclusive[logbuffer.IndexByTermCount(termCount)]

	termBegin := logbuffer.ComputeTermBeginPosition(termID, p.positionBits, p.initialTermID)
	position := termBegin + int64(termOffset)
	if position >= p.maxPossiblePosition {
		return MaxPositionExceeded
	}
	if position >= limit {
		return p.backPressureStatus()
	}

	result := appender.Claim(termID, termOffset, p.headerTemplate, length, claim)
	return p.resolveExclusiveAppend(result, termBegin, termCount, termID)
}

// resolveAppend maps an appender result onto a position or sentinel, rotating
// the log when the term tripped.
func (p *Publication) resolveAppend(result int32, termBegin int64, termCount, termID int32) int64 {
	if result > 0 {
		return termBegin + int64(result)
	}
	switch result {
	case logbuffer.AppendTripped:
		if termBegin+int64(p.termLength) >= p.maxPossiblePosition {
			return MaxPositionExceeded
		}
		logbuffer.RotateLog(p.log, termCount, termID)
		return AdminAction
	case logbuffer.AppendFailed:
		return Closed
	}
	return PublicationError
}

func (p *Publication) resolveExclusiveAppend(result int32, termBegin int64, termCount, termID int32) int64 {
	if result > 0 {
		p.exTermOffset = result
		return termBegin + int64(result)
	}
	switch result {
	case logbuffer.AppendTripped:
		if termBegin+int64(p.termLength) >= p.maxPossiblePosition {
			return MaxPositionExceeded
		}
		logbuffer.RotateLog(p.log, termCount, termID)
		p.exTermID = termID + 1
		p.exTermOffset = 0
		return AdminAction
	case logbuffer.AppendFailed:
		return Closed
	}
	return PublicationError
}

func (p *Publication) backPressureStatus() int64 {
	if p.meta.IsConnected() {
		return BackPressured
	}
	return NotConnected
}

// Close removes the publication registration from the driver.
func (p *Publication) Close() error {
	if p.closed {
		return nil
	}
	err := p.client.remove(command.RemovePublication, p.registrationID)
	p.close()
	delete(p.client.publications, p.registrationID)
	return err
}

func (p *Publication) close() {
	if p.closed {
		return
	}
	p.closed = true
	_ = p.log.Close()
}

package driver

import (
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/logbuffer"
)

type imageState int

const (
	imageActive imageState = iota
	imageDraining
	imageDone
)

// PublicationImage is the driver-side record of a remote producer observed on
// a receive endpoint: its log, the per-subscription positions, and liveness.
type PublicationImage struct {
	correlationID  int64
	sessionID      int32
	streamID       int32
	sourceIdentity string

	endpoint *ReceiveChannelEndpoint
	log      *logbuffer.LogBuffers

	rcvHwm   *counters.Counter
	rcvHwmID int32
	rcvPos   *counters.Counter
	rcvPosID int32

	initialTermID int32
	termLength    int32
	positionBits  uint8

	// subscription registration id -> subscriber position counter
	subscriberPositions map[int64]*counters.Counter

	state                imageState
	timeOfLastActivityNs int64
	isEndOfStream        bool
}

// CorrelationID identifies the image to the control plane.
func (i *PublicationImage) CorrelationID() int64 {
	return i.correlationID
}

// LogFileName returns the mapped log path subscribers re-map.
func (i *PublicationImage) LogFileName() string {
	return i.log.FileName()
}

// onStatusUpdate marks receiver activity, keeping the image alive.
func (i *PublicationImage) onStatusUpdate(nowNs int64) {
	i.timeOfLastActivityNs = nowNs
}

// isDrained reports whether every subscriber reached the receiver high-water
// mark.
func (i *PublicationImage) isDrained() bool {
	hwm := i.rcvHwm.Get()
	for _, pos := range i.subscriberPositions {
		if pos.Get() < hwm {
			return false
		}
	}
	return true
}

// hasTimedOut applies the image liveness rule: idle past the timeout and
// drained by all subscribers, or explicitly at end of stream and drained.
func (i *PublicationImage) hasTimedOut(nowNs, timeoutNs int64) bool {
	if !i.isDrained() {
		return false
	}
	if i.isEndOfStream {
		return true
	}
	return nowNs-i.timeOfLastActivityNs > timeoutNs
}

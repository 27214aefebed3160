package logbuffer

import (
	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// Header describes the frame a fragment handler is being given.
type Header struct {
	termBuffer    *memory.Buffer
	frameOffset   int32
	InitialTermID int32
	PositionBits  uint8
}

// Flags returns the fragmentation flags of the current frame.
func (h *Header) Flags() uint8 {
	return FrameFlags(h.termBuffer, h.frameOffset)
}

// TermID returns the term id of the current frame.
func (h *Header) TermID() int32 {
	return FrameTermID(h.termBuffer, h.frameOffset)
}

// TermOffset returns the term offset of the current frame.
func (h *Header) TermOffset() int32 {
	return h.frameOffset
}

// SessionID returns the session id of the current frame.
func (h *Header) SessionID() int32 {
	return FrameSessionID(h.termBuffer, h.frameOffset)
}

// StreamID returns the stream id of the current frame.
func (h *Header) StreamID() int32 {
	return FrameStreamID(h.termBuffer, h.frameOffset)
}

// ReservedValue returns the reserved value of the current frame.
func (h *Header) ReservedValue() int64 {
	return FrameReservedValue(h.termBuffer, h.frameOffset)
}

// Position is the stream position just past the current frame.
func (h *Header) Position() int64 {
	frameLength := FrameLengthVolatile(h.termBuffer, h.frameOffset)
	resulting := h.frameOffset + util.AlignInt32(frameLength, FrameAlignment)
	return ComputePosition(h.TermID(), resulting, h.PositionBits, h.InitialTermID)
}

// FragmentHandler consumes one data fragment. The payload slice aliases the
// term buffer and must not be retained past the call.
type FragmentHandler func(payload []byte, header *Header)

// ReadOutcome carries the result of a term read.
type ReadOutcome struct {
	Offset        int32
	FragmentsRead int
}

// TermRead scans frames from termOffset until the fragment limit, an
// uncommitted frame, or the end of the term. Padding frames advance the offset
// without invoking the handler. The acquire on frameLength pairs with the
// appender's release so observed payloads are fully written.
func TermRead(termBuffer *memory.Buffer, termOffset int32, handler FragmentHandler, fragmentLimit int, header *Header) ReadOutcome {
	outcome := ReadOutcome{Offset: termOffset}
	capacity := termBuffer.Capacity()

	for outcome.FragmentsRead < fragmentLimit && outcome.Offset < capacity {
		frameLength := FrameLengthVolatile(termBuffer, outcome.Offset)
		if frameLength <= 0 {
			break
		}

		frameOffset := outcome.Offset
		outcome.Offset += util.AlignInt32(frameLength, FrameAlignment)

		if FrameIsPadding(termBuffer, frameOffset) {
			continue
		}

		header.termBuffer = termBuffer
		header.frameOffset = frameOffset
		handler(termBuffer.Range(frameOffset+DataHeaderLength, frameLength-DataHeaderLength), header)
		outcome.FragmentsRead++
	}

	return outcome
}

// TermScanGap finds the first gap (uncommitted region) between termOffset and
// the limit, returning the gap offset and length, or ok=false when contiguous.
func TermScanGap(termBuffer *memory.Buffer, termOffset, limitOffset int32) (gapOffset, gapLength int32, ok bool) {
	offset := termOffset
	for offset < limitOffset {
		frameLength := FrameLengthVolatile(termBuffer, offset)
		if frameLength <= 0 {
			gapOffset = offset
			gapLength = limitOffset - offset
			return gapOffset, gapLength, true
		}
		offset += util.AlignInt32(frameLength, FrameAlignment)
	}
	return 0, 0, false
}

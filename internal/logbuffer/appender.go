package logbuffer

import (
	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// Resulting-offset sentinels for append operations. A value > 0 is the byte
// offset just past the appended frames.
const (
	// AppendTripped means the append would cross the end of the term; the
	// caller must rotate the log and retry.
	AppendTripped = int32(-1)
	// AppendFailed means the term cannot accept appends.
	AppendFailed = int32(-2)
)

// ReservedValueSupplier fills the reserved header field of a frame after its
// payload is in place and before the frame is published. May be nil.
type ReservedValueSupplier func(termBuffer *memory.Buffer, termOffset, frameLength int32) int64

// TermAppender appends frames to one term on behalf of concurrent producers
// sharing a publication. Space is reserved with a single atomic add on the
// packed tail counter, so appends are wait-free.
type TermAppender struct {
	termBuffer     *memory.Buffer
	meta           *MetaData
	partitionIndex int
}

// NewTermAppender binds an appender to one partition of a log.
func NewTermAppender(lb *LogBuffers, partitionIndex int) *TermAppender {
	return &TermAppender{
		termBuffer:     lb.TermBuffer(partitionIndex),
		meta:           lb.Meta(),
		partitionIndex: partitionIndex,
	}
}

// RawTailVolatile exposes the packed tail for position computation.
func (a *TermAppender) RawTailVolatile() int64 {
	return a.meta.RawTailVolatile(a.partitionIndex)
}

// Claim reserves space for an unfragmented frame and maps claim onto it. The
// caller writes the payload through the claim and commits or aborts.
func (a *TermAppender) Claim(header []byte, length int32, claim *Claim) int32 {
	frameLength := length + DataHeaderLength
	alignedLength := util.AlignInt32(frameLength, FrameAlignment)
	rawTail := a.meta.GetAndAddRawTail(a.partitionIndex, alignedLength)
	termOffset := rawTail & 0xffffffff
	termID := TermID(rawTail)

	termLength := a.termBuffer.Capacity()
	resultingOffset := int32(termOffset) + alignedLength
	if int64(resultingOffset) > int64(termLength) {
		return handleEndOfLog(a.termBuffer, termLength, int32(termOffset), termID, header)
	}

	frameOffset := int32(termOffset)
	ApplyDefaultHeader(a.termBuffer, frameOffset, frameLength, header)
	WriteFrameHeader(a.termBuffer, frameOffset, UnfragmentedFlags, HdrTypeData,
		frameOffset, frameSessionID(header), frameStreamID(header), termID)
	claim.wrap(a.termBuffer, frameOffset, frameLength)
	return resultingOffset
}

// AppendUnfragmented appends a message that fits a single frame.
func (a *TermAppender) AppendUnfragmented(header []byte, src []byte, reserved ReservedValueSupplier) int32 {
	return a.AppendUnfragmentedVector(header, [][]byte{src}, int32(len(src)), reserved)
}

// AppendUnfragmentedVector appends a message gathered from several slices that
// fits a single frame.
func (a *TermAppender) AppendUnfragmentedVector(header []byte, iov [][]byte, length int32, reserved ReservedValueSupplier) int32 {
	frameLength := length + DataHeaderLength
	alignedLength := util.AlignInt32(frameLength, FrameAlignment)
	rawTail := a.meta.GetAndAddRawTail(a.partitionIndex, alignedLength)
	termOffset := rawTail & 0xffffffff
	termID := TermID(rawTail)

	termLength := a.termBuffer.Capacity()
	resultingOffset := int32(termOffset) + alignedLength
	if int64(resultingOffset) > int64(termLength) {
		return handleEndOfLog(a.termBuffer, termLength, int32(termOffset), termID, header)
	}

	frameOffset := int32(termOffset)
	ApplyDefaultHeader(a.termBuffer, frameOffset, frameLength, header)
	WriteFrameHeader(a.termBuffer, frameOffset, UnfragmentedFlags, HdrTypeData,
		frameOffset, frameSessionID(header), frameStreamID(header), termID)

	payloadOffset := frameOffset + DataHeaderLength
	for _, chunk := range iov {
		a.termBuffer.PutBytes(payloadOffset, chunk)
		payloadOffset += int32(len(chunk))
	}
	if reserved != nil {
		SetFrameReservedValue(a.termBuffer, frameOffset, reserved(a.termBuffer, frameOffset, frameLength))
	}
	FrameLengthOrdered(a.termBuffer, frameOffset, frameLength)
	return resultingOffset
}

// AppendFragmented appends a message larger than the max payload as a run of
// MTU-sized fragments sharing one term. The whole run is reserved with one
// atomic add so fragments are contiguous.
func (a *TermAppender) AppendFragmented(header []byte, src []byte, maxPayloadLength int32, reserved ReservedValueSupplier) int32 {
	return a.AppendFragmentedVector(header, [][]byte{src}, int32(len(src)), maxPayloadLength, reserved)
}

// AppendFragmentedVector is the gathering variant of AppendFragmented.
func (a *TermAppender) AppendFragmentedVector(header []byte, iov [][]byte, length, maxPayloadLength int32, reserved ReservedValueSupplier) int32 {
	numMaxPayloads := length / maxPayloadLength
	remainingPayload := length % maxPayloadLength
	lastFrameLength := int32(0)
	if remainingPayload > 0 {
		lastFrameLength = util.AlignInt32(remainingPayload+DataHeaderLength, FrameAlignment)
	}
	requiredLength := numMaxPayloads*(maxPayloadLength+DataHeaderLength) + lastFrameLength

	rawTail := a.meta.GetAndAddRawTail(a.partitionIndex, requiredLength)
	termOffset := rawTail & 0xffffffff
	termID := TermID(rawTail)

	termLength := a.termBuffer.Capacity()
	resultingOffset := int32(termOffset) + requiredLength
	if int64(resultingOffset) > int64(termLength) {
		return handleEndOfLog(a.termBuffer, termLength, int32(termOffset), termID, header)
	}

	writeFragments(a.termBuffer, int32(termOffset), termID, header, iov, length, maxPayloadLength, reserved)
	return resultingOffset
}

// writeFragments lays out a BEGIN..END run starting at frameOffset. Shared by
// both appenders since layout is identical once space is reserved.
func writeFragments(termBuffer *memory.Buffer, frameOffset, termID int32, header []byte, iov [][]byte, length, maxPayloadLength int32, reserved ReservedValueSupplier) {
	flags := BeginFragFlag
	remaining := length
	vecIndex, vecOffset := 0, int32(0)

	for remaining > 0 {
		bytesToWrite := remaining
		if bytesToWrite > maxPayloadLength {
			bytesToWrite = maxPayloadLength
		}
		frameLength := bytesToWrite + DataHeaderLength
		alignedLength := util.AlignInt32(frameLength, FrameAlignment)

		if remaining <= maxPayloadLength {
			flags |= EndFragFlag
		}

		ApplyDefaultHeader(termBuffer, frameOffset, frameLength, header)
		WriteFrameHeader(termBuffer, frameOffset, flags, HdrTypeData,
			frameOffset, frameSessionID(header), frameStreamID(header), termID)

		payloadOffset := frameOffset + DataHeaderLength
		bytesLeftInFrame := bytesToWrite
		for bytesLeftInFrame > 0 {
			chunk := iov[vecIndex]
			n := int32(len(chunk)) - vecOffset
			if n > bytesLeftInFrame {
				n = bytesLeftInFrame
			}
			termBuffer.PutBytes(payloadOffset, chunk[vecOffset:vecOffset+n])
			payloadOffset += n
			vecOffset += n
			bytesLeftInFrame -= n
			if vecOffset == int32(len(chunk)) {
				vecIndex++
				vecOffset = 0
			}
		}

		if reserved != nil {
			SetFrameReservedValue(termBuffer, frameOffset, reserved(termBuffer, frameOffset, frameLength))
		}
		FrameLengthOrdered(termBuffer, frameOffset, frameLength)

		flags = 0
		frameOffset += alignedLength
		remaining -= bytesToWrite
	}
}

// handleEndOfLog pads out the remainder of the term if this appender was the
// one whose reservation first crossed the boundary, then trips the caller into
// rotation. Reservations landing wholly past the end just trip.
func handleEndOfLog(termBuffer *memory.Buffer, termLength, termOffset, termID int32, header []byte) int32 {
	if termOffset < termLength {
		paddingLength := termLength - termOffset
		ApplyDefaultHeader(termBuffer, termOffset, paddingLength, header)
		WriteFrameHeader(termBuffer, termOffset, UnfragmentedFlags, HdrTypePad,
			termOffset, frameSessionID(header), frameStreamID(header), termID)
		FrameLengthOrdered(termBuffer, termOffset, paddingLength)
	}
	return AppendTripped
}

func frameSessionID(header []byte) int32 {
	return int32(header[sessionIDOffset]) | int32(header[sessionIDOffset+1])<<8 |
		int32(header[sessionIDOffset+2])<<16 | int32(header[sessionIDOffset+3])<<24
}

func frameStreamID(header []byte) int32 {
	return int32(header[streamIDOffset]) | int32(header[streamIDOffset+1])<<8 |
		int32(header[streamIDOffset+2])<<16 | int32(header[streamIDOffset+3])<<24
}

package logbuffer

import (
	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// ExclusiveTermAppender appends for a single producer. The producer tracks the
// term id and offset itself, so the tail is advanced with plain stores; frame
// publication ordering is identical to the shared appender.
type ExclusiveTermAppender struct {
	termBuffer     *memory.Buffer
	meta           *MetaData
	partitionIndex int
}

// NewExclusiveTermAppender binds an appender to one partition of a log.
func NewExclusiveTermAppender(lb *LogBuffers, partitionIndex int) *ExclusiveTermAppender {
	return &ExclusiveTermAppender{
		termBuffer:     lb.TermBuffer(partitionIndex),
		meta:           lb.Meta(),
		partitionIndex: partitionIndex,
	}
}

// Claim reserves space for an unfragmented frame at the caller-tracked offset.
func (a *ExclusiveTermAppender) Claim(termID, termOffset int32, header []byte, length int32, claim *Claim) int32 {
	frameLength := length + DataHeaderLength
	alignedLength := util.AlignInt32(frameLength, FrameAlignment)

	termLength := a.termBuffer.Capacity()
	resultingOffset := termOffset + alignedLength
	a.meta.SetRawTail(a.partitionIndex, PackTail(termID, resultingOffset))
	if resultingOffset > termLength {
		return handleEndOfLog(a.termBuffer, termLength, termOffset, termID, header)
	}

	ApplyDefaultHeader(a.termBuffer, termOffset, frameLength, header)
	WriteFrameHeader(a.termBuffer, termOffset, UnfragmentedFlags, HdrTypeData,
		termOffset, frameSessionID(header), frameStreamID(header), termID)
	claim.wrap(a.termBuffer, termOffset, frameLength)
	return resultingOffset
}

// AppendUnfragmented appends a message that fits a single frame.
func (a *ExclusiveTermAppender) AppendUnfragmented(termID, termOffset int32, header []byte, src []byte, reserved ReservedValueSupplier) int32 {
	return a.AppendUnfragmentedVector(termID, termOffset, header, [][]byte{src}, int32(len(src)), reserved)
}

// AppendUnfragmentedVector appends a gathered message that fits a single frame.
func (a *ExclusiveTermAppender) AppendUnfragmentedVector(termID, termOffset int32, header []byte, iov [][]byte, length int32, reserved ReservedValueSupplier) int32 {
	frameLength := length + DataHeaderLength
	alignedLength := util.AlignInt32(frameLength, FrameAlignment)

	termLength := a.termBuffer.Capacity()
	resultingOffset := termOffset + alignedLength
	a.meta.SetRawTail(a.partitionIndex, PackTail(termID, resultingOffset))
	if resultingOffset > termLength {
		return handleEndOfLog(a.termBuffer, termLength, termOffset, termID, header)
	}

	ApplyDefaultHeader(a.termBuffer, termOffset, frameLength, header)
	WriteFrameHeader(a.termBuffer, termOffset, UnfragmentedFlags, HdrTypeData,
		termOffset, frameSessionID(header), frameStreamID(header), termID)

	payloadOffset := termOffset + DataHeaderLength
	for _, chunk := range iov {
		a.termBuffer.PutBytes(payloadOffset, chunk)
		payloadOffset += int32(len(chunk))
	}
	if reserved != nil {
		SetFrameReservedValue(a.termBuffer, termOffset, reserved(a.termBuffer, termOffset, frameLength))
	}
	FrameLengthOrdered(a.termBuffer, termOffset, frameLength)
	return resultingOffset
}

// AppendFragmented appends a message larger than the max payload.
func (a *ExclusiveTermAppender) AppendFragmented(termID, termOffset int32, header []byte, src []byte, maxPayloadLength int32, reserved ReservedValueSupplier) int32 {
	return a.AppendFragmentedVector(termID, termOffset, header, [][]byte{src}, int32(len(src)), maxPayloadLength, reserved)
}

// AppendFragmentedVector is the gathering variant of AppendFragmented.
func (a *ExclusiveTermAppender) AppendFragmentedVector(termID, termOffset int32, header []byte, iov [][]byte, length, maxPayloadLength int32, reserved ReservedValueSupplier) int32 {
	numMaxPayloads := length / maxPayloadLength
	remainingPayload := length % maxPayloadLength
	lastFrameLength := int32(0)
	if remainingPayload > 0 {
		lastFrameLength = util.AlignInt32(remainingPayload+DataHeaderLength, FrameAlignment)
	}
	requiredLength := numMaxPayloads*(maxPayloadLength+DataHeaderLength) + lastFrameLength

	termLength := a.termBuffer.Capacity()
	resultingOffset := termOffset + requiredLength
	a.meta.SetRawTail(a.partitionIndex, PackTail(termID, resultingOffset))
	if resultingOffset > termLength {
		return handleEndOfLog(a.termBuffer, termLength, termOffset, termID, header)
	}

	writeFragments(a.termBuffer, termOffset, termID, header, iov, length, maxPayloadLength, reserved)
	return resultingOffset
}

// AppendPadding writes an explicit padding frame, used when a claimed region is
// abandoned mid-term.
func (a *ExclusiveTermAppender) AppendPadding(termID, termOffset int32, header []byte, length int32) int32 {
	frameLength := length + DataHeaderLength
	alignedLength := util.AlignInt32(frameLength, FrameAlignment)

	termLength := a.termBuffer.Capacity()
	resultingOffset := termOffset + alignedLength
	a.meta.SetRawTail(a.partitionIndex, PackTail(termID, resultingOffset))
	if resultingOffset > termLength {
		return handleEndOfLog(a.termBuffer, termLength, termOffset, termID, header)
	}

	ApplyDefaultHeader(a.termBuffer, termOffset, frameLength, header)
	WriteFrameHeader(a.termBuffer, termOffset, UnfragmentedFlags, HdrTypePad,
		termOffset, frameSessionID(header), frameStreamID(header), termID)
	FrameLengthOrdered(a.termBuffer, termOffset, frameLength)
	return resultingOffset
}

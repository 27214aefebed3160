package logbuffer

import "github.com/ppiankov/aerobus/internal/memory"

// Claim maps a reserved frame range so the caller can write the payload in
// place. The frame stays invisible to readers (negative length) until Commit;
// Abort turns it into padding so readers can skip it.
type Claim struct {
	termBuffer  *memory.Buffer
	frameOffset int32
	frameLength int32
}

func (c *Claim) wrap(termBuffer *memory.Buffer, frameOffset, frameLength int32) {
	c.termBuffer = termBuffer
	c.frameOffset = frameOffset
	c.frameLength = frameLength
}

// Buffer returns the writable payload region of the claimed frame.
func (c *Claim) Buffer() []byte {
	return c.termBuffer.Range(c.frameOffset+DataHeaderLength, c.frameLength-DataHeaderLength)
}

// Length returns the payload capacity of the claim.
func (c *Claim) Length() int32 {
	return c.frameLength - DataHeaderLength
}

// ReservedValue sets the reserved header field before committing.
func (c *Claim) ReservedValue(value int64) {
	SetFrameReservedValue(c.termBuffer, c.frameOffset, value)
}

// Commit publishes the claimed frame to readers.
func (c *Claim) Commit() {
	FrameLengthOrdered(c.termBuffer, c.frameOffset, c.frameLength)
	c.termBuffer = nil
}

// Abort releases the claim by publishing it as padding.
func (c *Claim) Abort() {
	c.termBuffer.PutInt16(c.frameOffset+typeOffset, HdrTypePad)
	FrameLengthOrdered(c.termBuffer, c.frameOffset, c.frameLength)
	c.termBuffer = nil
}

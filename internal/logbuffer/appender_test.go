package logbuffer

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

const (
	testTermLength = 64 * 1024
	testMTU        = 1408
	testSessionID  = int32(77)
	testStreamID   = int32(1001)
	testInitTermID = int32(5)
)

func newTestLog(t *testing.T) *LogBuffers {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.logbuffer")
	lb, err := Create(path, testTermLength, testMTU, testInitTermID, testSessionID, testStreamID, 42, true)
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	t.Cleanup(func() { _ = lb.Close() })
	return lb
}

func TestAppendPositionsIncreaseByAlignedLength(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()

	msg := make([]byte, 100)
	expected := int32(0)
	for i := 0; i < 10; i++ {
		result := appender.AppendUnfragmented(header, msg, nil)
		expected += util.AlignInt32(int32(len(msg))+DataHeaderLength, FrameAlignment)
		if result != expected {
			t.Fatalf("append %d: resulting offset %d, want %d", i, result, expected)
		}
	}
}

func TestAppendWritesCommittedFrame(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)

	payload := []byte("hello, term")
	if result := appender.AppendUnfragmented(header, payload, nil); result < 0 {
		t.Fatalf("append failed: %d", result)
	}

	frameLength := FrameLengthVolatile(term, 0)
	if want := int32(len(payload)) + DataHeaderLength; frameLength != want {
		t.Fatalf("frame length %d, want %d", frameLength, want)
	}
	if FrameType(term, 0) != HdrTypeData {
		t.Fatalf("frame type %d, want data", FrameType(term, 0))
	}
	if FrameFlags(term, 0) != UnfragmentedFlags {
		t.Fatalf("flags %#x, want unfragmented", FrameFlags(term, 0))
	}
	if FrameSessionID(term, 0) != testSessionID || FrameStreamID(term, 0) != testStreamID {
		t.Fatalf("ids %d/%d, want %d/%d", FrameSessionID(term, 0), FrameStreamID(term, 0), testSessionID, testStreamID)
	}
	if FrameTermID(term, 0) != testInitTermID {
		t.Fatalf("term id %d, want %d", FrameTermID(term, 0), testInitTermID)
	}
	if got := term.Range(DataHeaderLength, int32(len(payload))); !bytes.Equal(got, payload) {
		t.Fatalf("payload %q, want %q", got, payload)
	}
}

func TestAppendReservedValueSupplier(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)

	result := appender.AppendUnfragmented(header, []byte("x"), func(_ *memory.Buffer, termOffset, frameLength int32) int64 {
		return int64(termOffset)<<32 | int64(frameLength)
	})
	if result < 0 {
		t.Fatalf("append failed: %d", result)
	}
	want := int64(0)<<32 | int64(1+DataHeaderLength)
	if got := FrameReservedValue(term, 0); got != want {
		t.Fatalf("reserved value %d, want %d", got, want)
	}
}

func TestAppendTripsAtEndOfTermWithPadding(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)

	msg := make([]byte, 992) // 1024-byte aligned frames
	frames := testTermLength/1024 - 1
	for i := 0; i < frames; i++ {
		if result := appender.AppendUnfragmented(header, msg, nil); result < 0 {
			t.Fatalf("append %d tripped early: %d", i, result)
		}
	}

	// 1024 bytes remain; a larger frame must trip and pad.
	big := make([]byte, 1600)
	if result := appender.AppendUnfragmented(header, big, nil); result != AppendTripped {
		t.Fatalf("resulting offset %d, want TRIPPED", result)
	}

	padOffset := int32(testTermLength - 1024)
	if !FrameIsPadding(term, padOffset) {
		t.Fatalf("expected padding frame at %d", padOffset)
	}
	if got := FrameLengthVolatile(term, padOffset); got != 1024 {
		t.Fatalf("padding length %d, want 1024", got)
	}
}

func TestAppendFragmentedLaysOutBeginEndRun(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)
	maxPayload := MaxPayloadLength(testMTU)

	msg := make([]byte, 2*maxPayload)
	for i := range msg {
		msg[i] = byte(i)
	}
	result := appender.AppendFragmented(header, msg, maxPayload, nil)
	if result < 0 {
		t.Fatalf("fragmented append failed: %d", result)
	}

	firstLength := maxPayload + DataHeaderLength
	if got := FrameLengthVolatile(term, 0); got != firstLength {
		t.Fatalf("first frame length %d, want %d", got, firstLength)
	}
	if flags := FrameFlags(term, 0); flags != BeginFragFlag {
		t.Fatalf("first flags %#x, want BEGIN", flags)
	}

	secondOffset := util.AlignInt32(firstLength, FrameAlignment)
	if flags := FrameFlags(term, secondOffset); flags != EndFragFlag {
		t.Fatalf("second flags %#x, want END", flags)
	}
	if FrameTermID(term, 0) != FrameTermID(term, secondOffset) {
		t.Fatalf("fragment term ids differ")
	}

	// Payload concatenation across the run equals the original message.
	var assembled []byte
	assembled = append(assembled, term.Range(DataHeaderLength, maxPayload)...)
	secondLen := FrameLengthVolatile(term, secondOffset) - DataHeaderLength
	assembled = append(assembled, term.Range(secondOffset+DataHeaderLength, secondLen)...)
	if !bytes.Equal(assembled, msg) {
		t.Fatalf("reassembled payload differs from original")
	}
}

func TestClaimCommitPublishesFrame(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)

	var claim Claim
	result := appender.Claim(header, 64, &claim)
	if result < 0 {
		t.Fatalf("claim failed: %d", result)
	}

	// Uncommitted frame must be invisible.
	if got := FrameLengthVolatile(term, 0); got >= 0 {
		t.Fatalf("claimed frame visible before commit: length %d", got)
	}

	copy(claim.Buffer(), []byte("claimed payload"))
	claim.Commit()

	if got := FrameLengthVolatile(term, 0); got != 64+DataHeaderLength {
		t.Fatalf("frame length %d after commit", got)
	}
}

func TestClaimAbortLeavesPadding(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)

	var claim Claim
	if result := appender.Claim(header, 64, &claim); result < 0 {
		t.Fatalf("claim failed: %d", result)
	}
	claim.Abort()

	if !FrameIsPadding(term, 0) {
		t.Fatalf("aborted claim not padding")
	}
	if got := FrameLengthVolatile(term, 0); got <= 0 {
		t.Fatalf("aborted claim not committed: %d", got)
	}
}

func TestExclusiveAppenderTracksExplicitOffsets(t *testing.T) {
	lb := newTestLog(t)
	appender := NewExclusiveTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()

	offset := int32(0)
	for i := 0; i < 5; i++ {
		result := appender.AppendUnfragmented(testInitTermID, offset, header, make([]byte, 200), nil)
		if result < 0 {
			t.Fatalf("append %d: %d", i, result)
		}
		offset = result
	}

	rawTail := lb.Meta().RawTailVolatile(0)
	if TermID(rawTail) != testInitTermID {
		t.Fatalf("tail term id %d", TermID(rawTail))
	}
	if got := TermOffset(rawTail, testTermLength); got != offset {
		t.Fatalf("tail offset %d, want %d", got, offset)
	}
}

func TestRotateLogAdvancesActiveTerm(t *testing.T) {
	lb := newTestLog(t)
	meta := lb.Meta()

	if !RotateLog(lb, 0, testInitTermID) {
		t.Fatalf("rotate failed")
	}
	if got := meta.ActiveTermCountVolatile(); got != 1 {
		t.Fatalf("active term count %d, want 1", got)
	}
	rawTail := meta.RawTailVolatile(IndexByTermCount(1))
	if TermID(rawTail) != testInitTermID+1 {
		t.Fatalf("next term id %d, want %d", TermID(rawTail), testInitTermID+1)
	}
	if TermOffset(rawTail, testTermLength) != 0 {
		t.Fatalf("next term offset %d, want 0", TermOffset(rawTail, testTermLength))
	}

	// A second rotator racing on the same term count loses.
	if RotateLog(lb, 0, testInitTermID) {
		t.Fatalf("stale rotation succeeded")
	}
}

// A partition cycles back into service every three rotations; the pre-clean
// during rotation must leave it with no committed frame lengths, so a reader
// attached at the rotation boundary observes nothing until the new writer
// catches up.
func TestRotationPreCleansRecycledTerm(t *testing.T) {
	lb := newTestLog(t)
	meta := lb.Meta()
	header := meta.DefaultFrameHeader()
	msg := make([]byte, 992) // 1024-byte frames fill a term exactly
	hdr := &Header{InitialTermID: testInitTermID, PositionBits: PositionBitsToShift(testTermLength)}

	for termCount := int32(0); termCount < 5; termCount++ {
		index := IndexByTermCount(termCount)
		termID := testInitTermID + termCount
		term := lb.TermBuffer(index)

		// The freshly active term must be empty: a reader scanning from
		// offset zero sees no fragments, and no aligned offset carries a
		// committed frame length left over from three terms back.
		TermRead(term, 0, func([]byte, *Header) {
			t.Fatalf("term count %d: stale frame visible before the writer reached it", termCount)
		}, 1, hdr)
		for offset := int32(0); offset < testTermLength; offset += FrameAlignment {
			if got := FrameLengthVolatile(term, offset); got != 0 {
				t.Fatalf("term count %d: stale frame length %d at offset %d", termCount, got, offset)
			}
		}

		appender := NewExclusiveTermAppender(lb, index)
		offset := int32(0)
		for offset < testTermLength {
			result := appender.AppendUnfragmented(termID, offset, header, msg, nil)
			if result < 0 {
				t.Fatalf("term count %d: append at %d failed: %d", termCount, offset, result)
			}
			offset = result
		}

		if !RotateLog(lb, termCount, termID) {
			t.Fatalf("rotation %d failed", termCount)
		}
		if got := meta.ActiveTermCountVolatile(); got != termCount+1 {
			t.Fatalf("active term count %d after rotation, want %d", got, termCount+1)
		}
	}
}

func TestCleanTermBufferZeroesWholeTerm(t *testing.T) {
	lb := newTestLog(t)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	term := lb.TermBuffer(0)

	for i := 0; i < 10; i++ {
		if result := appender.AppendUnfragmented(header, make([]byte, 200), nil); result < 0 {
			t.Fatalf("append %d: %d", i, result)
		}
	}

	CleanTermBuffer(term)
	for offset := int32(0); offset < testTermLength; offset += FrameAlignment {
		if got := FrameLengthVolatile(term, offset); got != 0 {
			t.Fatalf("frame length %d survived cleaning at offset %d", got, offset)
		}
	}
}

func TestMaxMessageLength(t *testing.T) {
	if got := MaxMessageLength(64 * 1024); got != 8*1024 {
		t.Fatalf("max message for 64K term: %d", got)
	}
	if got := MaxMessageLength(1024 * 1024 * 1024); got != 16*1024*1024 {
		t.Fatalf("max message capped: %d", got)
	}
}

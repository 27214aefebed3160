package logbuffer

import (
	"path/filepath"
	"testing"
)

func newBenchLog(b *testing.B) *LogBuffers {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.logbuffer")
	lb, err := Create(path, 16*1024*1024, testMTU, 0, testSessionID, testStreamID, 1, true)
	if err != nil {
		b.Fatalf("create log: %v", err)
	}
	b.Cleanup(func() { _ = lb.Close() })
	return lb
}

func BenchmarkAppendUnfragmented(b *testing.B) {
	lb := newBenchLog(b)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	msg := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if appender.AppendUnfragmented(header, msg, nil) == AppendTripped {
			b.StopTimer()
			lb.Meta().SetRawTail(0, PackTail(0, 0))
			b.StartTimer()
		}
	}
}

func BenchmarkClaimCommit(b *testing.B) {
	lb := newBenchLog(b)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	var claim Claim

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if appender.Claim(header, 256, &claim) == AppendTripped {
			b.StopTimer()
			lb.Meta().SetRawTail(0, PackTail(0, 0))
			b.StartTimer()
			continue
		}
		claim.Commit()
	}
}

func BenchmarkTermRead(b *testing.B) {
	lb := newBenchLog(b)
	appender := NewTermAppender(lb, 0)
	header := lb.Meta().DefaultFrameHeader()
	for i := 0; i < 1000; i++ {
		appender.AppendUnfragmented(header, make([]byte, 256), nil)
	}
	hdr := &Header{InitialTermID: 0, PositionBits: PositionBitsToShift(16 * 1024 * 1024)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		TermRead(lb.TermBuffer(0), 0, func([]byte, *Header) {}, 1000, hdr)
	}
}

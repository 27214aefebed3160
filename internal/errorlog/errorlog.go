// Package errorlog records driver faults in a shared-memory region, one entry
// per distinct error with observation counts, so a crashing driver leaves an
// inspectable trail and repeated faults do not exhaust the region.
package errorlog

import (
	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// Entry layout:
//
//	0   length                int32   published last
//	4   observationCount      int32
//	8   lastObservationMs     int64
//	16  firstObservationMs    int64
//	24  encoded error utf8
const (
	lengthOffset    = 0
	countOffset     = 4
	lastObsOffset   = 8
	firstObsOffset  = 16
	encodedOffset   = 24
	entryHeaderSize = 24

	entryAlignment = util.CacheLineLength
)

// Log is the single-writer distinct error log; the conductor owns writes.
type Log struct {
	buf        *memory.Buffer
	epochClock util.EpochClock
	nextOffset int32
	offsets    map[string]int32
}

// NewLog wraps an error region for writing.
func NewLog(buf *memory.Buffer, epochClock util.EpochClock) *Log {
	return &Log{buf: buf, epochClock: epochClock, offsets: make(map[string]int32)}
}

// Record logs an observation of the error, allocating an entry on first
// sight and bumping the count afterwards. Returns false when the region is
// full and the error could not be recorded.
func (l *Log) Record(encoded string) bool {
	now := l.epochClock()
	if offset, seen := l.offsets[encoded]; seen {
		l.buf.PutInt64(offset+lastObsOffset, now)
		l.buf.GetAndAddInt32(offset+countOffset, 1)
		return true
	}

	length := int32(entryHeaderSize + len(encoded))
	aligned := util.AlignInt32(length, entryAlignment)
	if l.nextOffset+aligned > l.buf.Capacity() {
		return false
	}
	offset := l.nextOffset
	l.nextOffset += aligned

	l.buf.PutInt64(offset+firstObsOffset, now)
	l.buf.PutInt64(offset+lastObsOffset, now)
	l.buf.PutInt32(offset+countOffset, 1)
	l.buf.PutBytes(offset+encodedOffset, []byte(encoded))
	l.buf.PutInt32Ordered(offset+lengthOffset, length)
	l.offsets[encoded] = offset
	return true
}

// Observation is one decoded distinct error.
type Observation struct {
	Count   int32
	FirstMs int64
	LastMs  int64
	Encoded string
}

// Read scans entries from a reader's view of the region, e.g. the CLI.
func Read(buf *memory.Buffer, fn func(Observation)) int {
	entries := 0
	offset := int32(0)
	for offset+entryHeaderSize < buf.Capacity() {
		length := buf.GetInt32Volatile(offset + lengthOffset)
		if length == 0 {
			break
		}
		fn(Observation{
			Count:   buf.GetInt32Volatile(offset + countOffset),
			FirstMs: buf.GetInt64(offset + firstObsOffset),
			LastMs:  buf.GetInt64(offset + lastObsOffset),
			Encoded: string(buf.GetBytes(offset+encodedOffset, length-entryHeaderSize)),
		})
		entries++
		offset += util.AlignInt32(length, entryAlignment)
	}
	return entries
}

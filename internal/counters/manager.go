// Package counters manages the shared-memory array of named int64 counters
// used for positions, limits, channel status, and driver statistics.
package counters

import (
	"errors"
	"fmt"

	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// Metadata record layout, one per counter:
//
//	0    state          int32   volatile
//	4    typeId         int32
//	8    registrationId int64
//	16   ownerId        int64
//	24   freeForReuseDeadline int64  epoch ms
//	32   key            [112]byte
//	144  labelLength    int32
//	148  label          up to 380 bytes utf8
const (
	stateOffset          = 0
	typeIDOffset         = 4
	registrationIDOffset = 8
	ownerIDOffset        = 16
	deadlineOffset       = 24
	keyOffset            = 32
	labelLengthOffset    = 144
	labelOffset          = 148

	// MaxKeyLength is the fixed key region size.
	MaxKeyLength = 112
	// MaxLabelLength bounds the utf8 label.
	MaxLabelLength = 380

	// MetadataRecordLength is the metadata stride, cache-line aligned.
	MetadataRecordLength = 576

	// CounterLength is the value-buffer stride; the value sits at offset 0 so
	// each counter owns its cache lines.
	CounterLength = 2 * util.CacheLineLength
)

// Record states.
const (
	RecordUnused    = int32(0)
	RecordAllocated = int32(1)
	RecordReclaimed = int32(-1)
)

// NullCounterID marks the absence of a counter.
const NullCounterID = int32(-1)

// DefaultRegistrationID for counters without a control-plane owner.
const DefaultRegistrationID = int64(0)

// ErrCountersExhausted is returned when no record can be allocated.
var ErrCountersExhausted = errors.New("counters: metadata buffer exhausted")

// Manager allocates and reclaims counters over the metadata and values regions.
// Allocation runs on the conductor thread only; values are written by any
// thread with ordered stores.
type Manager struct {
	meta          *memory.Buffer
	values        *memory.Buffer
	maxCounterID  int32
	freeToReuseMs int64
	epochClock    util.EpochClock
	highWaterMark int32
	freeList      []int32
}

// NewManager wraps the metadata and values regions.
func NewManager(meta, values *memory.Buffer, freeToReuseTimeoutMs int64, epochClock util.EpochClock) *Manager {
	maxByMeta := meta.Capacity() / MetadataRecordLength
	maxByValues := values.Capacity() / CounterLength
	max := maxByMeta
	if maxByValues < max {
		max = maxByValues
	}
	return &Manager{
		meta:          meta,
		values:        values,
		maxCounterID:  max,
		freeToReuseMs: freeToReuseTimeoutMs,
		epochClock:    epochClock,
	}
}

// Allocate claims a counter record, writes its metadata, and publishes it.
func (m *Manager) Allocate(typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	if len(key) > MaxKeyLength {
		return NullCounterID, fmt.Errorf("counters: key length %d exceeds %d", len(key), MaxKeyLength)
	}
	if len(label) > MaxLabelLength {
		label = label[:MaxLabelLength]
	}

	counterID := m.nextCounterID()
	if counterID == NullCounterID {
		return NullCounterID, ErrCountersExhausted
	}

	record := counterID * MetadataRecordLength
	m.meta.PutInt32(record+typeIDOffset, typeID)
	m.meta.PutInt64(record+registrationIDOffset, registrationID)
	m.meta.PutInt64(record+ownerIDOffset, ownerID)
	m.meta.PutInt64(record+deadlineOffset, 0)
	m.meta.SetMemory(record+keyOffset, MaxKeyLength, 0)
	m.meta.PutBytes(record+keyOffset, key)
	m.meta.PutInt32(record+labelLengthOffset, int32(len(label)))
	m.meta.SetMemory(record+labelOffset, MaxLabelLength, 0)
	m.meta.PutBytes(record+labelOffset, []byte(label))

	m.values.PutInt64Ordered(counterID*CounterLength, 0)
	m.meta.PutInt32Ordered(record+stateOffset, RecordAllocated)
	return counterID, nil
}

func (m *Manager) nextCounterID() int32 {
	now := m.epochClock()
	for i, id := range m.freeList {
		record := id * MetadataRecordLength
		if deadline := m.meta.GetInt64(record + deadlineOffset); deadline <= now {
			m.freeList = append(m.freeList[:i], m.freeList[i+1:]...)
			return id
		}
	}
	if m.highWaterMark < m.maxCounterID {
		id := m.highWaterMark
		m.highWaterMark++
		return id
	}
	return NullCounterID
}

// Free reclaims a counter. The record becomes reusable after the free-to-reuse
// timeout, keeping a reader from attributing a stale value to the new owner.
func (m *Manager) Free(counterID int32) {
	record := counterID * MetadataRecordLength
	m.meta.PutInt64(record+deadlineOffset, m.epochClock()+m.freeToReuseMs)
	m.meta.PutInt32Ordered(record+stateOffset, RecordReclaimed)
	m.freeList = append(m.freeList, counterID)
}

// Counter returns a handle for ordered access to a counter value.
func (m *Manager) Counter(counterID int32) *Counter {
	return &Counter{values: m.values, id: counterID, offset: counterID * CounterLength}
}

// SetValue publishes a counter value with release semantics.
func (m *Manager) SetValue(counterID int32, value int64) {
	m.values.PutInt64Ordered(counterID*CounterLength, value)
}

// Value reads a counter value with acquire semantics.
func (m *Manager) Value(counterID int32) int64 {
	return m.values.GetInt64Volatile(counterID * CounterLength)
}

// MaxCounterID returns the capacity in counters.
func (m *Manager) MaxCounterID() int32 {
	return m.maxCounterID
}

// Counter is a handle onto one value slot.
type Counter struct {
	values *memory.Buffer
	id     int32
	offset int32
}

// Handle wraps a value slot for a process that maps the values region without
// owning the manager, e.g. a client reading its publisher limit or writing a
// subscriber position.
func Handle(values *memory.Buffer, counterID int32) *Counter {
	return &Counter{values: values, id: counterID, offset: counterID * CounterLength}
}

// ID returns the counter id.
func (c *Counter) ID() int32 {
	return c.id
}

// Get reads the value with acquire semantics.
func (c *Counter) Get() int64 {
	return c.values.GetInt64Volatile(c.offset)
}

// GetPlain reads the value without ordering; only the owning writer may use it.
func (c *Counter) GetPlain() int64 {
	return c.values.GetInt64(c.offset)
}

// Set publishes the value with release semantics.
func (c *Counter) Set(value int64) {
	c.values.PutInt64Ordered(c.offset, value)
}

// Add atomically increments the value and returns the new total.
func (c *Counter) Add(delta int64) int64 {
	return c.values.GetAndAddInt64(c.offset, delta) + delta
}

// Increment atomically adds one.
func (c *Counter) Increment() int64 {
	return c.Add(1)
}

// ProposeMax lifts the value to proposed if it is greater, with release
// semantics. Used for high-water marks with a single writer.
func (c *Counter) ProposeMax(proposed int64) bool {
	if c.values.GetInt64(c.offset) < proposed {
		c.values.PutInt64Ordered(c.offset, proposed)
		return true
	}
	return false
}

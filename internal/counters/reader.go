package counters

import "github.com/ppiankov/aerobus/internal/memory"

// Well-known counter type ids shared by the driver and its observers.
const (
	TypeIDSystemCounter        = int32(0)
	TypeIDPublisherLimit       = int32(1)
	TypeIDSenderPosition       = int32(2)
	TypeIDReceiverHwm          = int32(3)
	TypeIDSubscriberPosition   = int32(4)
	TypeIDReceiverPosition     = int32(5)
	TypeIDSendChannelStatus    = int32(6)
	TypeIDReceiveChannelStatus = int32(7)
	TypeIDClientHeartbeat      = int32(11)
	TypeIDPublisherPosition    = int32(12)
)

// Channel endpoint status values published through status counters.
const (
	ChannelStatusInitializing = int64(0)
	ChannelStatusErrored      = int64(-1)
	ChannelStatusActive       = int64(1)
	ChannelStatusClosing      = int64(2)
)

// CounterInfo is a decoded metadata record paired with its current value.
type CounterInfo struct {
	ID             int32
	TypeID         int32
	RegistrationID int64
	OwnerID        int64
	Key            []byte
	Label          string
	Value          int64
}

// Reader iterates counters from outside the driver, e.g. the stat CLI and the
// metrics bridge. It reads states with acquire semantics so a record observed
// as allocated has complete metadata.
type Reader struct {
	meta   *memory.Buffer
	values *memory.Buffer
}

// NewReader wraps the metadata and values regions read-only.
func NewReader(meta, values *memory.Buffer) *Reader {
	return &Reader{meta: meta, values: values}
}

// Scan invokes fn for every allocated counter in id order.
func (r *Reader) Scan(fn func(CounterInfo)) {
	max := r.meta.Capacity() / MetadataRecordLength
	for id := int32(0); id < max; id++ {
		record := id * MetadataRecordLength
		state := r.meta.GetInt32Volatile(record + stateOffset)
		if state == RecordUnused {
			break
		}
		if state != RecordAllocated {
			continue
		}
		labelLength := r.meta.GetInt32(record + labelLengthOffset)
		if labelLength < 0 || labelLength > MaxLabelLength {
			continue
		}
		fn(CounterInfo{
			ID:             id,
			TypeID:         r.meta.GetInt32(record + typeIDOffset),
			RegistrationID: r.meta.GetInt64(record + registrationIDOffset),
			OwnerID:        r.meta.GetInt64(record + ownerIDOffset),
			Key:            r.meta.GetBytes(record+keyOffset, MaxKeyLength),
			Label:          string(r.meta.GetBytes(record+labelOffset, labelLength)),
			Value:          r.values.GetInt64Volatile(id * CounterLength),
		})
	}
}

// Value reads one counter value with acquire semantics.
func (r *Reader) Value(counterID int32) int64 {
	return r.values.GetInt64Volatile(counterID * CounterLength)
}

// FindByTypeAndRegistration locates the first allocated counter matching both,
// returning NullCounterID when absent.
func (r *Reader) FindByTypeAndRegistration(typeID int32, registrationID int64) int32 {
	found := NullCounterID
	r.Scan(func(info CounterInfo) {
		if found == NullCounterID && info.TypeID == typeID && info.RegistrationID == registrationID {
			found = info.ID
		}
	})
	return found
}

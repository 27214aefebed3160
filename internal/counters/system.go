package counters

import "fmt"

// System counter ids, fixed at driver start. The id doubles as the counter id
// since system counters are allocated first, in order.
const (
	SystemCounterErrors = int32(iota)
	SystemCounterBytesSent
	SystemCounterBytesReceived
	SystemCounterNaksSent
	SystemCounterNaksReceived
	SystemCounterStatusMessagesSent
	SystemCounterStatusMessagesReceived
	SystemCounterHeartbeatsSent
	SystemCounterHeartbeatsReceived
	SystemCounterClientKeepalives
	SystemCounterClientTimeouts
	SystemCounterImageTimeouts
	SystemCounterShortSends
	SystemCounterBackPressureEvents
	SystemCounterCount
)

var systemCounterLabels = [SystemCounterCount]string{
	"Errors",
	"Bytes sent",
	"Bytes received",
	"NAKs sent",
	"NAKs received",
	"Status messages sent",
	"Status messages received",
	"Heartbeats sent",
	"Heartbeats received",
	"Client keepalives",
	"Client timeouts",
	"Image timeouts",
	"Short sends",
	"Back pressure events",
}

// SystemCounters is the fixed set of driver statistics counters.
type SystemCounters struct {
	counters [SystemCounterCount]*Counter
}

// NewSystemCounters allocates the full set in id order on a fresh manager.
func NewSystemCounters(manager *Manager) (*SystemCounters, error) {
	sc := &SystemCounters{}
	for i := int32(0); i < SystemCounterCount; i++ {
		id, err := manager.Allocate(TypeIDSystemCounter, nil, systemCounterLabels[i], DefaultRegistrationID, 0)
		if err != nil {
			return nil, fmt.Errorf("allocate system counter %q: %w", systemCounterLabels[i], err)
		}
		if id != i {
			return nil, fmt.Errorf("system counter %q allocated id %d, want %d", systemCounterLabels[i], id, i)
		}
		sc.counters[i] = manager.Counter(id)
	}
	return sc, nil
}

// Get returns the counter handle for a system counter id.
func (s *SystemCounters) Get(id int32) *Counter {
	return s.counters[id]
}

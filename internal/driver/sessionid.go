package driver

import "github.com/ppiankov/aerobus/internal/util"

// sessionIDAllocator hands out session ids, skipping a reserved range and any
// id already live on the same endpoint and stream, wrapping at int32 bounds.
type sessionIDAllocator struct {
	next         int32
	reservedLow  int32
	reservedHigh int32
	hasReserved  bool
}

func newSessionIDAllocator(initial, reservedLow, reservedHigh int32) *sessionIDAllocator {
	return &sessionIDAllocator{
		next:         initial,
		reservedLow:  reservedLow,
		reservedHigh: reservedHigh,
		hasReserved:  reservedLow <= reservedHigh && !(reservedLow == -1 && reservedHigh == -1),
	}
}

func (a *sessionIDAllocator) reserved(id int32) bool {
	return a.hasReserved && a.reservedLow <= id && id <= a.reservedHigh
}

// allocate returns the next session id not used by inUse.
func (a *sessionIDAllocator) allocate(inUse func(int32) bool) int32 {
	for {
		candidate := a.next
		if a.reserved(candidate) {
			a.next = util.AddWrapInt32(a.reservedHigh, 1)
			continue
		}
		a.next = util.AddWrapInt32(candidate, 1)
		if !inUse(candidate) {
			return candidate
		}
	}
}

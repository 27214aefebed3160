package driver

import (
	"fmt"

	"github.com/ppiankov/aerobus/internal/counters"
)

// clientRecord tracks one attached client: its heartbeat counter and the
// moment it last proved liveness. Resources are found by owner id at teardown.
type clientRecord struct {
	clientID              int64
	heartbeat             *counters.Counter
	heartbeatID           int32
	timeOfLastKeepaliveNs int64
	reapedOrClosed        bool
}

func (c *Conductor) clientForID(clientID int64, nowNs int64) *clientRecord {
	if client, ok := c.clients[clientID]; ok {
		return client
	}

	label := fmt.Sprintf("client-heartbeat: %d", clientID)
	heartbeatID, err := c.countersManager.Allocate(
		counters.TypeIDClientHeartbeat, nil, label, clientID, clientID)
	if err != nil {
		c.recordError(fmt.Errorf("client %d heartbeat counter: %w", clientID, err))
		return nil
	}

	client := &clientRecord{
		clientID:              clientID,
		heartbeat:             c.countersManager.Counter(heartbeatID),
		heartbeatID:           heartbeatID,
		timeOfLastKeepaliveNs: nowNs,
	}
	client.heartbeat.Set(c.ctx.EpochClock())
	c.clients[clientID] = client
	c.clientOrder = append(c.clientOrder, client)
	return client
}

// onKeepalive refreshes liveness; a keepalive from a reaped client does not
// revive it.
func (c *clientRecord) onKeepalive(nowNs, nowMs int64) {
	if c.reapedOrClosed {
		return
	}
	c.timeOfLastKeepaliveNs = nowNs
	c.heartbeat.Set(nowMs)
}

func (c *clientRecord) hasTimedOut(nowNs, timeoutNs int64) bool {
	return nowNs-c.timeOfLastKeepaliveNs > timeoutNs
}

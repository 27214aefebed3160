package driver

import (
	"fmt"

	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/uri"
)

// SendChannelEndpoint is the driver-side identity of an outgoing channel.
// Publications on the same canonical form (or channel tag) share one endpoint;
// the conductor owns its refcount and lifetime.
type SendChannelEndpoint struct {
	udpChannel    *uri.UDPChannel
	refCount      int
	statusCounter *counters.Counter
	statusID      int32

	// manual-MDC destinations, by channel string
	destinations map[string]*uri.UDPChannel
}

// CanonicalForm returns the endpoint identity string.
func (e *SendChannelEndpoint) CanonicalForm() string {
	return e.udpChannel.CanonicalForm
}

// ChannelTag returns the endpoint's channel tag or uri.NullTag.
func (e *SendChannelEndpoint) ChannelTag() int64 {
	return e.udpChannel.ChannelTag
}

// StatusCounterID exposes the channel status indicator id.
func (e *SendChannelEndpoint) StatusCounterID() int32 {
	return e.statusID
}

// IsManualControlMode reports whether destinations are managed manually.
func (e *SendChannelEndpoint) IsManualControlMode() bool {
	return e.udpChannel.IsManualControlMode
}

// ReceiveChannelEndpoint is the driver-side identity of an incoming channel,
// shared by subscriptions on the same canonical form or tag.
type ReceiveChannelEndpoint struct {
	udpChannel    *uri.UDPChannel
	refCount      int
	statusCounter *counters.Counter
	statusID      int32

	// streams with at least one subscription, by stream id
	streamRefCounts map[int32]int
}

// CanonicalForm returns the endpoint identity string.
func (e *ReceiveChannelEndpoint) CanonicalForm() string {
	return e.udpChannel.CanonicalForm
}

// ChannelTag returns the endpoint's channel tag or uri.NullTag.
func (e *ReceiveChannelEndpoint) ChannelTag() int64 {
	return e.udpChannel.ChannelTag
}

// StatusCounterID exposes the channel status indicator id.
func (e *ReceiveChannelEndpoint) StatusCounterID() int32 {
	return e.statusID
}

// findOrCreateSendEndpoint resolves endpoint sharing: a channel tag matching a
// prior endpoint wins, then the canonical form; otherwise a new endpoint is
// registered under both keys.
func (c *Conductor) findOrCreateSendEndpoint(ch *uri.UDPChannel) (*SendChannelEndpoint, error) {
	if ch.ChannelTag != uri.NullTag {
		if endpoint, ok := c.sendEndpointsByTag[ch.ChannelTag]; ok {
			return endpoint, nil
		}
	}
	if endpoint, ok := c.sendEndpoints[ch.CanonicalForm]; ok {
		return endpoint, nil
	}
	if !ch.HasExplicitEndpoint && !ch.HasExplicitControl && !ch.IsManualControlMode {
		// A tag-only URI can only reference an endpoint created earlier.
		return nil, fmt.Errorf("no endpoint registered for tag %d", ch.ChannelTag)
	}

	label := fmt.Sprintf("snd-channel: %s", ch.CanonicalForm)
	statusID, err := c.countersManager.Allocate(
		counters.TypeIDSendChannelStatus, nil, label, c.nextDriverRegistrationID(), 0)
	if err != nil {
		return nil, err
	}
	endpoint := &SendChannelEndpoint{
		udpChannel:    ch,
		statusCounter: c.countersManager.Counter(statusID),
		statusID:      statusID,
		destinations:  make(map[string]*uri.UDPChannel),
	}
	endpoint.statusCounter.Set(counters.ChannelStatusActive)
	c.sendEndpoints[ch.CanonicalForm] = endpoint
	if ch.ChannelTag != uri.NullTag {
		c.sendEndpointsByTag[ch.ChannelTag] = endpoint
	}
	return endpoint, nil
}

func (c *Conductor) findOrCreateReceiveEndpoint(ch *uri.UDPChannel) (*ReceiveChannelEndpoint, error) {
	if ch.ChannelTag != uri.NullTag {
		if endpoint, ok := c.recvEndpointsByTag[ch.ChannelTag]; ok {
			return endpoint, nil
		}
	}
	if endpoint, ok := c.recvEndpoints[ch.CanonicalForm]; ok {
		return endpoint, nil
	}
	if !ch.HasExplicitEndpoint && !ch.HasExplicitControl && !ch.IsManualControlMode {
		return nil, fmt.Errorf("no endpoint registered for tag %d", ch.ChannelTag)
	}

	label := fmt.Sprintf("rcv-channel: %s", ch.CanonicalForm)
	statusID, err := c.countersManager.Allocate(
		counters.TypeIDReceiveChannelStatus, nil, label, c.nextDriverRegistrationID(), 0)
	if err != nil {
		return nil, err
	}
	endpoint := &ReceiveChannelEndpoint{
		udpChannel:      ch,
		statusCounter:   c.countersManager.Counter(statusID),
		statusID:        statusID,
		streamRefCounts: make(map[int32]int),
	}
	endpoint.statusCounter.Set(counters.ChannelStatusActive)
	c.recvEndpoints[ch.CanonicalForm] = endpoint
	if ch.ChannelTag != uri.NullTag {
		c.recvEndpointsByTag[ch.ChannelTag] = endpoint
	}
	return endpoint, nil
}

// freeUnreferencedSendEndpoint discards an endpoint that never gained a
// publication, e.g. when the command that created it failed later on.
func (c *Conductor) freeUnreferencedSendEndpoint(endpoint *SendChannelEndpoint) {
	if endpoint.refCount == 0 {
		endpoint.refCount = 1
		c.releaseSendEndpoint(endpoint)
	}
}

// releaseSendEndpoint drops one reference, closing the endpoint at zero.
func (c *Conductor) releaseSendEndpoint(endpoint *SendChannelEndpoint) {
	endpoint.refCount--
	if endpoint.refCount > 0 {
		return
	}
	endpoint.statusCounter.Set(counters.ChannelStatusClosing)
	c.countersManager.Free(endpoint.statusID)
	delete(c.sendEndpoints, endpoint.CanonicalForm())
	if tag := endpoint.ChannelTag(); tag != uri.NullTag {
		delete(c.sendEndpointsByTag, tag)
	}
}

func (c *Conductor) releaseReceiveEndpoint(endpoint *ReceiveChannelEndpoint) {
	endpoint.refCount--
	if endpoint.refCount > 0 {
		return
	}
	endpoint.statusCounter.Set(counters.ChannelStatusClosing)
	c.countersManager.Free(endpoint.statusID)
	delete(c.recvEndpoints, endpoint.CanonicalForm())
	if tag := endpoint.ChannelTag(); tag != uri.NullTag {
		delete(c.recvEndpointsByTag, tag)
	}
}

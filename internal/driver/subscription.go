package driver

import (
	"github.com/ppiankov/aerobus/internal/uri"
)

// subscriptionLink is one client's subscription to a stream on a channel.
// Images are referenced by registration id, never by handle, so teardown
// order cannot create cycles.
type subscriptionLink struct {
	registrationID int64
	clientID       int64
	streamID       int32
	channel        string
	isIPC          bool
	isSpy          bool

	endpoint *ReceiveChannelEndpoint // nil for ipc and spy links
	params   uri.SubscriptionParams

	// image registration id -> subscriber position counter id
	positions map[int64]int32
}

// matchesSession honours a session-id pinned on the subscription URI.
func (l *subscriptionLink) matchesSession(sessionID int32) bool {
	return !l.params.HasSessionID || l.params.SessionID == sessionID
}

// matchesNetworkStream reports interest in images arriving on an endpoint.
func (l *subscriptionLink) matchesNetworkStream(endpoint *ReceiveChannelEndpoint, streamID int32) bool {
	return !l.isIPC && !l.isSpy && l.endpoint == endpoint && l.streamID == streamID
}

// matchesPublication reports interest in a co-located publication's log:
// ipc links match ipc publications, spy links match network publications
// whose send channel has the spied canonical form or tag.
func (l *subscriptionLink) matchesPublication(p *Publication, spiedForm string, spiedTag int64) bool {
	if l.streamID != p.streamID || !l.matchesSession(p.sessionID) {
		return false
	}
	if l.isIPC {
		return p.isIPC
	}
	if l.isSpy {
		if p.isIPC || p.endpoint == nil {
			return false
		}
		if spiedTag != uri.NullTag && p.endpoint.ChannelTag() == spiedTag {
			return true
		}
		return p.endpoint.CanonicalForm() == spiedForm
	}
	return false
}

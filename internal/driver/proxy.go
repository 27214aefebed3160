package driver

// PublicationImageEvent is injected by a receiver when it observes the first
// frame or setup of a new session on a receive endpoint.
type PublicationImageEvent struct {
	EndpointCanonicalForm string
	SessionID             int32
	StreamID              int32
	InitialTermID         int32
	ActiveTermID          int32
	TermOffset            int32
	TermLength            int32
	MTULength             int32
	SourceIdentity        string
}

// imageStatusEvent marks receiver progress on an image.
type imageStatusEvent struct {
	correlationID int64
	position      int64
	endOfStream   bool
}

// ConductorProxy is the queue external agents use to hand events to the
// conductor thread. Enqueues never block; a full queue drops the event and
// reports false so the caller can retry on its next duty cycle.
type ConductorProxy struct {
	events chan any
}

// NewConductorProxy sizes the event queue.
func NewConductorProxy(capacity int) *ConductorProxy {
	return &ConductorProxy{events: make(chan any, capacity)}
}

// OnNewPublicationImage submits a new-image event.
func (p *ConductorProxy) OnNewPublicationImage(ev PublicationImageEvent) bool {
	select {
	case p.events <- ev:
		return true
	default:
		return false
	}
}

// OnImageStatus submits receiver progress for an image.
func (p *ConductorProxy) OnImageStatus(correlationID int64, position int64, endOfStream bool) bool {
	select {
	case p.events <- imageStatusEvent{correlationID: correlationID, position: position, endOfStream: endOfStream}:
		return true
	default:
		return false
	}
}

package driver

import (
	"fmt"

	"github.com/ppiankov/aerobus/internal/broadcast"
	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/errorlog"
	"github.com/ppiankov/aerobus/internal/flowcontrol"
	"github.com/ppiankov/aerobus/internal/logbuffer"
	"github.com/ppiankov/aerobus/internal/ringbuffer"
	"github.com/ppiankov/aerobus/internal/uri"
)

const commandLimitPerCycle = 10

// Conductor is the single-threaded control plane. All driver state lives here
// and is mutated only from DoWork; other agents communicate through the
// command ring, the conductor proxy, and counters.
type Conductor struct {
	ctx             *Context
	toDriver        *ringbuffer.RingBuffer
	toClients       *broadcast.Transmitter
	countersManager *counters.Manager
	systemCounters  *counters.SystemCounters
	errorLog        *errorlog.Log
	proxy           *ConductorProxy

	clients     map[int64]*clientRecord
	clientOrder []*clientRecord

	publications     []*Publication
	publicationLinks []*publicationLink
	subscriptions    []*subscriptionLink
	images           []*PublicationImage

	sendEndpoints      map[string]*SendChannelEndpoint
	recvEndpoints      map[string]*ReceiveChannelEndpoint
	sendEndpointsByTag map[int64]*SendChannelEndpoint
	recvEndpointsByTag map[int64]*ReceiveChannelEndpoint

	counterLinks map[int64]counterLink

	sessionIDs *sessionIDAllocator
	sender     *Sender

	timeOfLastTimeoutCheckNs int64
	terminationRequested     bool
}

type counterLink struct {
	counterID int32
	clientID  int64
}

// NewConductor wires the conductor over its shared-memory collaborators.
func NewConductor(ctx *Context, toDriver *ringbuffer.RingBuffer, toClients *broadcast.Transmitter,
	manager *counters.Manager, system *counters.SystemCounters, errLog *errorlog.Log,
	proxy *ConductorProxy) *Conductor {

	return &Conductor{
		ctx:                ctx,
		toDriver:           toDriver,
		toClients:          toClients,
		countersManager:    manager,
		systemCounters:     system,
		errorLog:           errLog,
		proxy:              proxy,
		clients:            make(map[int64]*clientRecord),
		sendEndpoints:      make(map[string]*SendChannelEndpoint),
		recvEndpoints:      make(map[string]*ReceiveChannelEndpoint),
		sendEndpointsByTag: make(map[int64]*SendChannelEndpoint),
		recvEndpointsByTag: make(map[int64]*ReceiveChannelEndpoint),
		counterLinks:       make(map[int64]counterLink),
		sessionIDs: newSessionIDAllocator(
			ctx.InitialSessionID, ctx.ReservedSessionIDLow, ctx.ReservedSessionIDHigh),
	}
}

// DoWork runs one duty cycle: drain commands, drain agent events, advance
// timers. Returns the amount of work done for the idle strategy.
func (c *Conductor) DoWork() int {
	work := c.toDriver.Read(c.onCommand, commandLimitPerCycle)
	work += c.drainEvents()

	nowNs := c.ctx.NanoClock()
	if nowNs-c.timeOfLastTimeoutCheckNs >= c.ctx.TimerIntervalNs {
		c.onTimerCheck(nowNs)
		c.timeOfLastTimeoutCheckNs = nowNs
		c.toDriver.SetConsumerHeartbeatTime(c.ctx.EpochClock())
		work++
	}
	return work
}

// SetSender attaches the sender agent so new network publications reach it.
func (c *Conductor) SetSender(sender *Sender) {
	c.sender = sender
}

// TerminationRequested reports a validated TERMINATE_DRIVER command.
func (c *Conductor) TerminationRequested() bool {
	return c.terminationRequested
}

// ClientCount reports attached clients, for tests and the admin surface.
func (c *Conductor) ClientCount() int {
	return len(c.clients)
}

func (c *Conductor) drainEvents() int {
	if c.proxy == nil {
		return 0
	}
	work := 0
	for {
		select {
		case ev := <-c.proxy.events:
			switch e := ev.(type) {
			case PublicationImageEvent:
				c.onCreatePublicationImage(e)
			case imageStatusEvent:
				c.onImageStatus(e)
			}
			work++
		default:
			return work
		}
	}
}

// onCommand dispatches one decoded command from the ring.
func (c *Conductor) onCommand(msgTypeID int32, msg []byte) {
	var correlated command.CorrelatedMessage
	if err := correlated.Decode(msg); err != nil {
		c.recordError(fmt.Errorf("command %#x: %w", msgTypeID, err))
		return
	}
	nowNs := c.ctx.NanoClock()
	client := c.clientForID(correlated.ClientID, nowNs)
	if client == nil {
		return
	}
	client.onKeepalive(nowNs, c.ctx.EpochClock())

	switch msgTypeID {
	case command.AddPublication:
		var m command.PublicationMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onAddPublication(&m, false)
	case command.AddExclusivePublication:
		var m command.PublicationMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onAddPublication(&m, true)
	case command.RemovePublication:
		var m command.RemoveMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onRemovePublication(&m)
	case command.AddSubscription:
		var m command.SubscriptionMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onAddSubscription(&m)
	case command.RemoveSubscription:
		var m command.RemoveMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onRemoveSubscription(&m)
	case command.AddDestination, command.RemoveDestination:
		var m command.DestinationMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onDestination(&m, msgTypeID == command.AddDestination)
	case command.AddCounter:
		var m command.CounterMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onAddCounter(&m)
	case command.RemoveCounter:
		var m command.RemoveMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onRemoveCounter(&m)
	case command.ClientKeepalive:
		c.systemCounters.Get(counters.SystemCounterClientKeepalives).Increment()
	case command.ClientClose:
		c.onClientClose(correlated.ClientID)
	case command.TerminateDriver:
		var m command.TerminateDriverMessage
		if err := m.Decode(msg); err != nil {
			c.onError(correlated.CorrelationID, command.ErrCodeMalformedCommand, err.Error())
			return
		}
		c.onTerminateDriver(&m)
	default:
		c.onError(correlated.CorrelationID, command.ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command type %#x", msgTypeID))
	}
}

// onAddPublication handles ADD_PUBLICATION and ADD_EXCLUSIVE_PUBLICATION.
func (c *Conductor) onAddPublication(m *command.PublicationMessage, isExclusive bool) {
	u, err := c.parseChannel(m.Channel)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
		return
	}
	params, err := uri.ParsePublicationParams(u, isExclusive)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
		return
	}

	if u.IsIPC() {
		c.addIPCPublication(m, params, isExclusive)
		return
	}

	ch, err := uri.ResolveUDPChannel(u, m.Channel)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
		return
	}
	endpoint, err := c.findOrCreateSendEndpoint(ch)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeChannelEndpoint, err.Error())
		return
	}

	if !isExclusive {
		if existing := c.findSharedPublication(endpoint, m.StreamID); existing != nil {
			if err := checkSharedParams(existing, params); err != nil {
				c.onError(m.CorrelationID, command.ErrCodeGeneric, err.Error())
				return
			}
			c.linkPublication(m, existing, false)
			return
		}
	}

	sessionID, err := c.chooseSessionID(endpoint, m.StreamID, params)
	if err != nil {
		c.freeUnreferencedSendEndpoint(endpoint)
		c.onError(m.CorrelationID, command.ErrCodeGeneric, err.Error())
		return
	}

	pub, err := c.createNetworkPublication(m, endpoint, sessionID, params, isExclusive)
	if err != nil {
		c.freeUnreferencedSendEndpoint(endpoint)
		c.onError(m.CorrelationID, command.ErrCodeResourceExhausted, err.Error())
		return
	}
	c.linkPublication(m, pub, isExclusive)
	c.linkSpySubscriptions(pub)
}

func (c *Conductor) parseChannel(channel string) (*uri.ChannelURI, error) {
	if c.ctx.StrictURIParams {
		return uri.ParseStrict(channel)
	}
	return uri.Parse(channel)
}

// findSharedPublication locates an active shared publication on the endpoint
// and stream.
func (c *Conductor) findSharedPublication(endpoint *SendChannelEndpoint, streamID int32) *Publication {
	for _, p := range c.publications {
		if p.endpoint == endpoint && p.streamID == streamID && !p.isExclusive && p.isAcceptingLinks() {
			return p
		}
	}
	return nil
}

// checkSharedParams enforces parameter compatibility when joining an existing
// shared publication.
func checkSharedParams(p *Publication, params uri.PublicationParams) error {
	if params.HasMTU && params.MTULength != p.mtuLength {
		return fmt.Errorf("mtu %d does not match existing publication mtu %d", params.MTULength, p.mtuLength)
	}
	if params.HasTermLength && params.TermLength != p.termLength {
		return fmt.Errorf("term-length %d does not match existing publication term-length %d",
			params.TermLength, p.termLength)
	}
	if params.HasSessionID && params.SessionID != p.sessionID {
		return fmt.Errorf("session-id %d does not match existing publication session-id %d",
			params.SessionID, p.sessionID)
	}
	return nil
}

// chooseSessionID applies pinning and collision rules, or allocates.
func (c *Conductor) chooseSessionID(endpoint *SendChannelEndpoint, streamID int32, params uri.PublicationParams) (int32, error) {
	inUse := func(id int32) bool {
		for _, p := range c.publications {
			if p.endpoint == endpoint && p.streamID == streamID && p.sessionID == id && p.state != publicationClosed {
				return true
			}
		}
		return false
	}
	if params.HasSessionID {
		if inUse(params.SessionID) {
			return 0, fmt.Errorf("session-id %d already in use on endpoint and stream %d",
				params.SessionID, streamID)
		}
		return params.SessionID, nil
	}
	return c.sessionIDs.allocate(inUse), nil
}

func (c *Conductor) createNetworkPublication(m *command.PublicationMessage, endpoint *SendChannelEndpoint,
	sessionID int32, params uri.PublicationParams, isExclusive bool) (*Publication, error) {

	termLength := c.ctx.TermLength
	if params.HasTermLength {
		termLength = params.TermLength
	}
	mtu := c.ctx.MTULength
	if params.HasMTU {
		mtu = params.MTULength
	}
	initialTermID := int32(m.CorrelationID) // varies per publication, stable for its life
	if params.HasPosition {
		initialTermID = params.InitialTermID
	}
	sparse := c.ctx.SparseLogFiles
	if params.HasSparse {
		sparse = params.Sparse
	}

	registrationID := m.CorrelationID
	log, err := logbuffer.Create(c.ctx.PublicationLogPath(registrationID),
		termLength, mtu, initialTermID, sessionID, m.StreamID, registrationID, sparse)
	if err != nil {
		return nil, err
	}
	if params.HasPosition {
		index := logbuffer.IndexByTermCount(params.TermID - initialTermID)
		meta := log.Meta()
		meta.SetRawTail(index, logbuffer.PackTail(params.TermID, params.TermOffset))
		meta.SetActiveTermCountOrdered(params.TermID - initialTermID)
	}

	pubLimitID, err := c.countersManager.Allocate(counters.TypeIDPublisherLimit, nil,
		fmt.Sprintf("pub-lmt: %d %d %d %s", registrationID, sessionID, m.StreamID, m.Channel),
		registrationID, m.ClientID)
	if err != nil {
		_ = log.Delete()
		return nil, err
	}
	senderPosID, err := c.countersManager.Allocate(counters.TypeIDSenderPosition, nil,
		fmt.Sprintf("snd-pos: %d %d %d %s", registrationID, sessionID, m.StreamID, m.Channel),
		registrationID, m.ClientID)
	if err != nil {
		c.countersManager.Free(pubLimitID)
		_ = log.Delete()
		return nil, err
	}

	lingerNs := c.ctx.PublicationLingerNs
	if params.HasLinger {
		lingerNs = params.LingerNs
	}
	windowLength := c.ctx.PublicationWindowLength
	if half := int64(termLength) / 2; windowLength > half {
		windowLength = half
	}

	pub := &Publication{
		registrationID:      registrationID,
		sessionID:           sessionID,
		streamID:            m.StreamID,
		channel:             m.Channel,
		isExclusive:         isExclusive,
		isSpyable:           true,
		endpoint:            endpoint,
		log:                 log,
		pubLimit:            c.countersManager.Counter(pubLimitID),
		pubLimitID:          pubLimitID,
		senderPos:           c.countersManager.Counter(senderPosID),
		senderPosID:         senderPosID,
		flow:                flowcontrol.New(flowcontrol.Parse(publicationFC(m)), windowLength),
		termLength:          termLength,
		mtuLength:           mtu,
		initialTermID:       initialTermID,
		positionBits:        logbuffer.PositionBitsToShift(termLength),
		state:               publicationActive,
		lingerNs:            lingerNs,
		subscriberPositions: make(map[int64]*counters.Counter),
	}
	if params.HasPosition {
		start := logbuffer.ComputePosition(params.TermID, params.TermOffset, pub.positionBits, initialTermID)
		pub.senderPos.Set(start)
	}
	endpoint.refCount++
	pub.updatePublisherLimit(c.ctx.PublicationWindowLength)
	c.publications = append(c.publications, pub)
	if c.sender != nil {
		c.sender.OnNewPublication(pub)
	}
	return pub, nil
}

// publicationFC extracts the fc param for flow control selection.
func publicationFC(m *command.PublicationMessage) string {
	if u, err := uri.Parse(m.Channel); err == nil {
		return u.Get(uri.FlowControlKey)
	}
	return ""
}

func (c *Conductor) addIPCPublication(m *command.PublicationMessage, params uri.PublicationParams, isExclusive bool) {
	if !isExclusive {
		for _, p := range c.publications {
			if p.isIPC && p.streamID == m.StreamID && !p.isExclusive && p.isAcceptingLinks() {
				if err := checkSharedParams(p, params); err != nil {
					c.onError(m.CorrelationID, command.ErrCodeGeneric, err.Error())
					return
				}
				c.linkPublication(m, p, false)
				return
			}
		}
	}

	inUse := func(id int32) bool {
		for _, p := range c.publications {
			if p.isIPC && p.streamID == m.StreamID && p.sessionID == id && p.state != publicationClosed {
				return true
			}
		}
		return false
	}
	var sessionID int32
	if params.HasSessionID {
		if inUse(params.SessionID) {
			c.onError(m.CorrelationID, command.ErrCodeGeneric,
				fmt.Sprintf("session-id %d already in use on ipc stream %d", params.SessionID, m.StreamID))
			return
		}
		sessionID = params.SessionID
	} else {
		sessionID = c.sessionIDs.allocate(inUse)
	}

	termLength := c.ctx.IPCTermLength
	if params.HasTermLength {
		termLength = params.TermLength
	}
	mtu := c.ctx.MTULength
	if params.HasMTU {
		mtu = params.MTULength
	}
	registrationID := m.CorrelationID
	initialTermID := int32(registrationID)

	log, err := logbuffer.Create(c.ctx.PublicationLogPath(registrationID),
		termLength, mtu, initialTermID, sessionID, m.StreamID, registrationID, c.ctx.SparseLogFiles)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeResourceExhausted, err.Error())
		return
	}
	pubLimitID, err := c.countersManager.Allocate(counters.TypeIDPublisherLimit, nil,
		fmt.Sprintf("pub-lmt: %d %d %d %s", registrationID, sessionID, m.StreamID, m.Channel),
		registrationID, m.ClientID)
	if err != nil {
		_ = log.Delete()
		c.onError(m.CorrelationID, command.ErrCodeResourceExhausted, err.Error())
		return
	}

	pub := &Publication{
		registrationID:      registrationID,
		sessionID:           sessionID,
		streamID:            m.StreamID,
		channel:             m.Channel,
		isExclusive:         isExclusive,
		isIPC:               true,
		log:                 log,
		pubLimit:            c.countersManager.Counter(pubLimitID),
		pubLimitID:          pubLimitID,
		flow:                flowcontrol.New(flowcontrol.MaxOf, c.ctx.PublicationWindowLength),
		termLength:          termLength,
		mtuLength:           mtu,
		initialTermID:       initialTermID,
		positionBits:        logbuffer.PositionBitsToShift(termLength),
		state:               publicationActive,
		lingerNs:            c.ctx.PublicationLingerNs,
		subscriberPositions: make(map[int64]*counters.Counter),
	}
	if params.HasLinger {
		pub.lingerNs = params.LingerNs
	}
	pub.updatePublisherLimit(c.ctx.PublicationWindowLength)
	c.publications = append(c.publications, pub)
	c.linkPublication(m, pub, isExclusive)
	c.linkIPCSubscriptions(pub)
}

// linkPublication records a client link onto a publication and answers ready.
func (c *Conductor) linkPublication(m *command.PublicationMessage, pub *Publication, isExclusive bool) {
	pub.refCount++
	c.publicationLinks = append(c.publicationLinks, &publicationLink{
		registrationID: m.CorrelationID,
		clientID:       m.ClientID,
		publication:    pub,
	})

	statusID := int32(counters.NullCounterID)
	if pub.endpoint != nil {
		statusID = pub.endpoint.StatusCounterID()
	}
	ready := command.PublicationReady{
		CorrelationID:    m.CorrelationID,
		RegistrationID:   pub.registrationID,
		SessionID:        pub.sessionID,
		StreamID:         pub.streamID,
		PublisherLimitID: pub.pubLimitID,
		ChannelStatusID:  statusID,
		LogFileName:      pub.LogFileName(),
	}
	typeID := command.OnPublicationReady
	if isExclusive {
		typeID = command.OnExclusivePublicationReady
	}
	c.transmit(typeID, ready.Encode())
}

// linkIPCSubscriptions attaches existing matching ipc subscriptions to a new
// ipc publication.
func (c *Conductor) linkIPCSubscriptions(pub *Publication) {
	for _, link := range c.subscriptions {
		if link.matchesPublication(pub, "", uri.NullTag) {
			c.attachSubscriberToPublication(link, pub)
		}
	}
}

// linkSpySubscriptions attaches existing spy subscriptions to a new network
// publication.
func (c *Conductor) linkSpySubscriptions(pub *Publication) {
	for _, link := range c.subscriptions {
		if !link.isSpy {
			continue
		}
		form, tag := c.spiedIdentity(link)
		if link.matchesPublication(pub, form, tag) {
			c.attachSubscriberToPublication(link, pub)
		}
	}
}

// spiedIdentity resolves the canonical form and tag a spy link targets.
func (c *Conductor) spiedIdentity(link *subscriptionLink) (string, int64) {
	u, err := c.parseChannel(link.channel)
	if err != nil {
		return "", uri.NullTag
	}
	ch, err := uri.ResolveUDPChannel(u, link.channel)
	if err != nil {
		return "", uri.NullTag
	}
	return ch.CanonicalForm, ch.ChannelTag
}

// attachSubscriberToPublication wires a position counter for a spy or ipc
// consumer of a publication log and announces the image.
func (c *Conductor) attachSubscriberToPublication(link *subscriptionLink, pub *Publication) {
	if _, attached := link.positions[pub.registrationID]; attached {
		return
	}
	joinPosition := pub.consumerMinPosition()
	posID, err := c.countersManager.Allocate(counters.TypeIDSubscriberPosition, nil,
		fmt.Sprintf("sub-pos: %d %d %d %s", link.registrationID, pub.sessionID, pub.streamID, link.channel),
		link.registrationID, link.clientID)
	if err != nil {
		c.recordError(fmt.Errorf("subscriber position: %w", err))
		return
	}
	pos := c.countersManager.Counter(posID)
	pos.Set(joinPosition)
	pub.subscriberPositions[link.registrationID] = pos
	link.positions[pub.registrationID] = posID

	ready := command.ImageReady{
		CorrelationID:        pub.registrationID,
		SessionID:            pub.sessionID,
		StreamID:             pub.streamID,
		SubscriberRegID:      link.registrationID,
		SubscriberPositionID: posID,
		LogFileName:          pub.LogFileName(),
		SourceIdentity:       "aeron:ipc",
	}
	if !pub.isIPC {
		ready.SourceIdentity = pub.channel
	}
	c.transmit(command.OnAvailableImage, ready.Encode())
}

func (c *Conductor) onRemovePublication(m *command.RemoveMessage) {
	for i, link := range c.publicationLinks {
		if link.registrationID != m.RegistrationID || link.clientID != m.ClientID {
			continue
		}
		c.publicationLinks = append(c.publicationLinks[:i], c.publicationLinks[i+1:]...)
		pub := link.publication
		pub.refCount--
		if pub.refCount == 0 {
			pub.state = publicationLinger
			pub.lingerDeadlineNs = c.ctx.NanoClock() + pub.lingerNs
		}
		ack := command.OperationSucceeded{CorrelationID: m.CorrelationID}
		c.transmit(command.OnOperationSuccess, ack.Encode())
		return
	}
	c.onError(m.CorrelationID, command.ErrCodeUnknownPublication,
		fmt.Sprintf("unknown publication registration id %d", m.RegistrationID))
}

func (c *Conductor) onAddSubscription(m *command.SubscriptionMessage) {
	u, err := c.parseChannel(m.Channel)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
		return
	}
	params, err := uri.ParseSubscriptionParams(u)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
		return
	}

	link := &subscriptionLink{
		registrationID: m.CorrelationID,
		clientID:       m.ClientID,
		streamID:       m.StreamID,
		channel:        m.Channel,
		isIPC:          u.IsIPC(),
		isSpy:          u.IsSpy(),
		params:         params,
		positions:      make(map[int64]int32),
	}

	statusID := int32(counters.NullCounterID)
	if !link.isIPC && !link.isSpy {
		ch, err := uri.ResolveUDPChannel(u, m.Channel)
		if err != nil {
			c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
			return
		}
		endpoint, err := c.findOrCreateReceiveEndpoint(ch)
		if err != nil {
			c.onError(m.CorrelationID, command.ErrCodeChannelEndpoint, err.Error())
			return
		}
		endpoint.refCount++
		endpoint.streamRefCounts[m.StreamID]++
		link.endpoint = endpoint
		statusID = endpoint.StatusCounterID()
	}

	c.subscriptions = append(c.subscriptions, link)
	ready := command.SubscriptionReady{CorrelationID: m.CorrelationID, ChannelStatusID: statusID}
	c.transmit(command.OnSubscriptionReady, ready.Encode())

	switch {
	case link.isIPC || link.isSpy:
		for _, pub := range c.publications {
			if pub.state != publicationActive {
				continue
			}
			form, tag := "", uri.NullTag
			if link.isSpy {
				form, tag = c.spiedIdentity(link)
			}
			if link.matchesPublication(pub, form, tag) {
				c.attachSubscriberToPublication(link, pub)
			}
		}
	default:
		for _, image := range c.images {
			if image.state == imageActive && image.endpoint == link.endpoint &&
				image.streamID == link.streamID && link.matchesSession(image.sessionID) {
				c.attachSubscriberToImage(link, image)
			}
		}
	}
}

// attachSubscriberToImage wires a position counter for a network image.
func (c *Conductor) attachSubscriberToImage(link *subscriptionLink, image *PublicationImage) {
	if _, attached := link.positions[image.correlationID]; attached {
		return
	}
	posID, err := c.countersManager.Allocate(counters.TypeIDSubscriberPosition, nil,
		fmt.Sprintf("sub-pos: %d %d %d %s", link.registrationID, image.sessionID, image.streamID, link.channel),
		link.registrationID, link.clientID)
	if err != nil {
		c.recordError(fmt.Errorf("subscriber position: %w", err))
		return
	}
	pos := c.countersManager.Counter(posID)
	pos.Set(image.rcvPos.Get())
	image.subscriberPositions[link.registrationID] = pos
	link.positions[image.correlationID] = posID

	ready := command.ImageReady{
		CorrelationID:        image.correlationID,
		SessionID:            image.sessionID,
		StreamID:             image.streamID,
		SubscriberRegID:      link.registrationID,
		SubscriberPositionID: posID,
		LogFileName:          image.LogFileName(),
		SourceIdentity:       image.sourceIdentity,
	}
	c.transmit(command.OnAvailableImage, ready.Encode())
}

func (c *Conductor) onRemoveSubscription(m *command.RemoveMessage) {
	for i, link := range c.subscriptions {
		if link.registrationID != m.RegistrationID || link.clientID != m.ClientID {
			continue
		}
		c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
		c.unlinkSubscription(link)
		ack := command.OperationSucceeded{CorrelationID: m.CorrelationID}
		c.transmit(command.OnOperationSuccess, ack.Encode())
		return
	}
	c.onError(m.CorrelationID, command.ErrCodeUnknownSubscription,
		fmt.Sprintf("unknown subscription registration id %d", m.RegistrationID))
}

// unlinkSubscription detaches a link from images, publications, and its
// endpoint, freeing its position counters.
func (c *Conductor) unlinkSubscription(link *subscriptionLink) {
	for resourceID, posID := range link.positions {
		for _, image := range c.images {
			if image.correlationID == resourceID {
				delete(image.subscriberPositions, link.registrationID)
			}
		}
		for _, pub := range c.publications {
			if pub.registrationID == resourceID {
				delete(pub.subscriberPositions, link.registrationID)
			}
		}
		c.countersManager.Free(posID)
	}
	link.positions = nil

	if link.endpoint != nil {
		link.endpoint.streamRefCounts[link.streamID]--
		if link.endpoint.streamRefCounts[link.streamID] == 0 {
			delete(link.endpoint.streamRefCounts, link.streamID)
		}
		c.releaseReceiveEndpoint(link.endpoint)
	}
}

func (c *Conductor) onDestination(m *command.DestinationMessage, isAdd bool) {
	for _, link := range c.publicationLinks {
		if link.registrationID != m.RegistrationID {
			continue
		}
		pub := link.publication
		if pub.endpoint == nil || !pub.endpoint.IsManualControlMode() {
			c.onError(m.CorrelationID, command.ErrCodeGeneric,
				"destinations are only valid on manual control-mode publications")
			return
		}
		ch, err := uri.ParseUDPChannel(m.Channel)
		if err != nil {
			c.onError(m.CorrelationID, command.ErrCodeInvalidChannel, err.Error())
			return
		}
		if isAdd {
			pub.endpoint.destinations[m.Channel] = ch
		} else {
			if _, ok := pub.endpoint.destinations[m.Channel]; !ok {
				c.onError(m.CorrelationID, command.ErrCodeGeneric,
					fmt.Sprintf("unknown destination %s", m.Channel))
				return
			}
			delete(pub.endpoint.destinations, m.Channel)
		}
		ack := command.OperationSucceeded{CorrelationID: m.CorrelationID}
		c.transmit(command.OnOperationSuccess, ack.Encode())
		return
	}
	c.onError(m.CorrelationID, command.ErrCodeUnknownPublication,
		fmt.Sprintf("unknown publication registration id %d", m.RegistrationID))
}

func (c *Conductor) onAddCounter(m *command.CounterMessage) {
	counterID, err := c.countersManager.Allocate(m.TypeID, m.Key, m.Label, m.CorrelationID, m.ClientID)
	if err != nil {
		c.onError(m.CorrelationID, command.ErrCodeResourceExhausted, err.Error())
		return
	}
	c.counterLinks[m.CorrelationID] = counterLink{counterID: counterID, clientID: m.ClientID}
	ready := command.CounterUpdate{CorrelationID: m.CorrelationID, CounterID: counterID}
	c.transmit(command.OnCounterReady, ready.Encode())
}

func (c *Conductor) onRemoveCounter(m *command.RemoveMessage) {
	link, ok := c.counterLinks[m.RegistrationID]
	if !ok {
		c.onError(m.CorrelationID, command.ErrCodeUnknownCounter,
			fmt.Sprintf("unknown counter registration id %d", m.RegistrationID))
		return
	}
	delete(c.counterLinks, m.RegistrationID)

	// Announce before reclaiming so observers drop the counter first.
	update := command.CounterUpdate{CorrelationID: m.RegistrationID, CounterID: link.counterID}
	c.transmit(command.OnUnavailableCounter, update.Encode())
	c.countersManager.Free(link.counterID)

	ack := command.OperationSucceeded{CorrelationID: m.CorrelationID}
	c.transmit(command.OnOperationSuccess, ack.Encode())
}

func (c *Conductor) onClientClose(clientID int64) {
	if client, ok := c.clients[clientID]; ok {
		c.reapClient(client)
	}
}

func (c *Conductor) onTerminateDriver(m *command.TerminateDriverMessage) {
	if c.ctx.TerminationToken == "" || string(m.Token) != c.ctx.TerminationToken {
		c.onError(m.CorrelationID, command.ErrCodeTerminationValidation, "termination token rejected")
		return
	}
	c.terminationRequested = true
}

// onCreatePublicationImage materialises an image injected by a receiver:
// allocate its log and position counters, wire every interested subscription.
func (c *Conductor) onCreatePublicationImage(ev PublicationImageEvent) {
	endpoint, ok := c.recvEndpoints[ev.EndpointCanonicalForm]
	if !ok {
		return
	}
	if endpoint.streamRefCounts[ev.StreamID] == 0 {
		return
	}
	for _, image := range c.images {
		if image.endpoint == endpoint && image.sessionID == ev.SessionID &&
			image.streamID == ev.StreamID && image.state == imageActive {
			return
		}
	}

	correlationID := c.nextDriverRegistrationID()
	termLength := ev.TermLength
	if termLength == 0 {
		termLength = c.ctx.TermLength
	}
	mtu := ev.MTULength
	if mtu == 0 {
		mtu = c.ctx.MTULength
	}
	log, err := logbuffer.Create(c.ctx.ImageLogPath(correlationID),
		termLength, mtu, ev.InitialTermID, ev.SessionID, ev.StreamID, correlationID, c.ctx.SparseLogFiles)
	if err != nil {
		c.recordError(fmt.Errorf("image log: %w", err))
		return
	}

	positionBits := logbuffer.PositionBitsToShift(termLength)
	joinPosition := logbuffer.ComputePosition(ev.ActiveTermID, ev.TermOffset, positionBits, ev.InitialTermID)

	hwmID, err := c.countersManager.Allocate(counters.TypeIDReceiverHwm, nil,
		fmt.Sprintf("rcv-hwm: %d %d %d", correlationID, ev.SessionID, ev.StreamID), correlationID, 0)
	if err != nil {
		c.recordError(err)
		_ = log.Delete()
		return
	}
	posID, err := c.countersManager.Allocate(counters.TypeIDReceiverPosition, nil,
		fmt.Sprintf("rcv-pos: %d %d %d", correlationID, ev.SessionID, ev.StreamID), correlationID, 0)
	if err != nil {
		c.recordError(err)
		c.countersManager.Free(hwmID)
		_ = log.Delete()
		return
	}

	image := &PublicationImage{
		correlationID:        correlationID,
		sessionID:            ev.SessionID,
		streamID:             ev.StreamID,
		sourceIdentity:       ev.SourceIdentity,
		endpoint:             endpoint,
		log:                  log,
		rcvHwm:               c.countersManager.Counter(hwmID),
		rcvHwmID:             hwmID,
		rcvPos:               c.countersManager.Counter(posID),
		rcvPosID:             posID,
		initialTermID:        ev.InitialTermID,
		termLength:           termLength,
		positionBits:         positionBits,
		subscriberPositions:  make(map[int64]*counters.Counter),
		state:                imageActive,
		timeOfLastActivityNs: c.ctx.NanoClock(),
	}
	image.rcvHwm.Set(joinPosition)
	image.rcvPos.Set(joinPosition)
	c.images = append(c.images, image)

	for _, link := range c.subscriptions {
		if link.matchesNetworkStream(endpoint, ev.StreamID) && link.matchesSession(ev.SessionID) {
			c.attachSubscriberToImage(link, image)
		}
	}
}

func (c *Conductor) onImageStatus(ev imageStatusEvent) {
	for _, image := range c.images {
		if image.correlationID != ev.correlationID {
			continue
		}
		image.onStatusUpdate(c.ctx.NanoClock())
		image.rcvHwm.ProposeMax(ev.position)
		image.rcvPos.ProposeMax(ev.position)
		if ev.endOfStream {
			image.isEndOfStream = true
			image.log.Meta().SetEndOfStreamPosition(ev.position)
		}
		return
	}
}

func (c *Conductor) nextDriverRegistrationID() int64 {
	return c.toDriver.NextCorrelationID()
}

// onTimerCheck advances every lifecycle: client liveness, publication linger,
// image liveness, and publisher limits.
func (c *Conductor) onTimerCheck(nowNs int64) {
	// reapClient edits clientOrder, so walk a snapshot.
	clients := append([]*clientRecord(nil), c.clientOrder...)
	for _, client := range clients {
		if !client.reapedOrClosed && client.hasTimedOut(nowNs, c.ctx.ClientLivenessTimeoutNs) {
			c.systemCounters.Get(counters.SystemCounterClientTimeouts).Increment()
			timeout := command.ClientTimeout{ClientID: client.clientID}
			c.transmit(command.OnClientTimeout, timeout.Encode())
			c.reapClient(client)
		}
	}

	remainingPubs := c.publications[:0]
	for _, pub := range c.publications {
		switch pub.state {
		case publicationActive:
			pub.updatePublisherLimit(c.ctx.PublicationWindowLength)
		case publicationLinger:
			if nowNs > pub.lingerDeadlineNs {
				c.closePublication(pub)
			}
		}
		if pub.state != publicationClosed {
			remainingPubs = append(remainingPubs, pub)
		}
	}
	c.publications = remainingPubs

	remainingImages := c.images[:0]
	for _, image := range c.images {
		if image.state == imageActive && image.hasTimedOut(nowNs, c.ctx.ImageLivenessTimeoutNs) {
			c.systemCounters.Get(counters.SystemCounterImageTimeouts).Increment()
			c.closeImage(image)
		}
		if image.state != imageDone {
			remainingImages = append(remainingImages, image)
		}
	}
	c.images = remainingImages
}

// reapClient tears down everything a client owns. A timed-out client is never
// revived; later keepalives are ignored.
func (c *Conductor) reapClient(client *clientRecord) {
	client.reapedOrClosed = true

	remainingLinks := c.publicationLinks[:0]
	for _, link := range c.publicationLinks {
		if link.clientID != client.clientID {
			remainingLinks = append(remainingLinks, link)
			continue
		}
		link.publication.refCount--
		if link.publication.refCount == 0 {
			link.publication.state = publicationLinger
			link.publication.lingerDeadlineNs = c.ctx.NanoClock() + link.publication.lingerNs
		}
	}
	c.publicationLinks = remainingLinks

	remainingSubs := c.subscriptions[:0]
	for _, link := range c.subscriptions {
		if link.clientID != client.clientID {
			remainingSubs = append(remainingSubs, link)
			continue
		}
		for imageID := range link.positions {
			unavailable := command.ImageMessage{
				CorrelationID:   imageID,
				SubscriberRegID: link.registrationID,
				StreamID:        link.streamID,
				Channel:         link.channel,
			}
			c.transmit(command.OnUnavailableImage, unavailable.Encode())
		}
		c.unlinkSubscription(link)
	}
	c.subscriptions = remainingSubs

	for registrationID, counterLink := range c.counterLinks {
		if counterLink.clientID != client.clientID {
			continue
		}
		delete(c.counterLinks, registrationID)
		update := command.CounterUpdate{CorrelationID: registrationID, CounterID: counterLink.counterID}
		c.transmit(command.OnUnavailableCounter, update.Encode())
		c.countersManager.Free(counterLink.counterID)
	}

	c.countersManager.Free(client.heartbeatID)
	delete(c.clients, client.clientID)
	for i, ordered := range c.clientOrder {
		if ordered == client {
			c.clientOrder = append(c.clientOrder[:i], c.clientOrder[i+1:]...)
			break
		}
	}
}

// closePublication frees a lingered publication and its endpoint reference.
func (c *Conductor) closePublication(pub *Publication) {
	pub.state = publicationClosed
	c.countersManager.Free(pub.pubLimitID)
	if pub.senderPos != nil {
		c.countersManager.Free(pub.senderPosID)
	}
	for regID := range pub.subscriberPositions {
		for _, link := range c.subscriptions {
			if link.registrationID != regID {
				continue
			}
			if posID, ok := link.positions[pub.registrationID]; ok {
				delete(link.positions, pub.registrationID)
				c.countersManager.Free(posID)
			}
			unavailable := command.ImageMessage{
				CorrelationID:   pub.registrationID,
				SubscriberRegID: regID,
				StreamID:        pub.streamID,
				Channel:         link.channel,
			}
			c.transmit(command.OnUnavailableImage, unavailable.Encode())
		}
	}
	pub.subscriberPositions = nil
	if pub.endpoint != nil {
		c.releaseSendEndpoint(pub.endpoint)
	}
	if c.sender != nil && !pub.isIPC {
		c.sender.OnRemovePublication(pub)
	}
	if err := pub.log.Delete(); err != nil {
		c.recordError(fmt.Errorf("delete publication log: %w", err))
	}
}

// closeImage frees an image and announces unavailability to its subscribers.
func (c *Conductor) closeImage(image *PublicationImage) {
	image.state = imageDone
	for regID := range image.subscriberPositions {
		for _, link := range c.subscriptions {
			if link.registrationID != regID {
				continue
			}
			if posID, ok := link.positions[image.correlationID]; ok {
				delete(link.positions, image.correlationID)
				c.countersManager.Free(posID)
			}
			unavailable := command.ImageMessage{
				CorrelationID:   image.correlationID,
				SubscriberRegID: regID,
				StreamID:        image.streamID,
				Channel:         link.channel,
			}
			c.transmit(command.OnUnavailableImage, unavailable.Encode())
		}
	}
	image.subscriberPositions = nil
	c.countersManager.Free(image.rcvHwmID)
	c.countersManager.Free(image.rcvPosID)
	if err := image.log.Delete(); err != nil {
		c.recordError(fmt.Errorf("delete image log: %w", err))
	}
}

func (c *Conductor) transmit(msgTypeID int32, msg []byte) {
	if err := c.toClients.Transmit(msgTypeID, msg); err != nil {
		c.recordError(fmt.Errorf("broadcast %#x: %w", msgTypeID, err))
	}
}

// onError answers a failed command and records the fault.
func (c *Conductor) onError(correlationID int64, errorCode int32, message string) {
	response := command.ErrorResponse{
		OffendingCorrelationID: correlationID,
		ErrorCode:              errorCode,
		Message:                message,
	}
	c.transmit(command.OnError, response.Encode())
	c.recordErrorString(message)
}

// recordError logs a driver fault to the error log region.
func (c *Conductor) recordError(err error) {
	c.recordErrorString(err.Error())
}

func (c *Conductor) recordErrorString(message string) {
	c.systemCounters.Get(counters.SystemCounterErrors).Increment()
	if c.errorLog != nil {
		c.errorLog.Record(message)
	}
}

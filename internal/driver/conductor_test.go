package driver

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/aerobus/internal/broadcast"
	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/errorlog"
	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/ringbuffer"
)

// response is one captured broadcast.
type response struct {
	typeID  int32
	payload []byte
}

// harness drives a conductor directly over in-memory control buffers with a
// manual clock.
type harness struct {
	t         *testing.T
	ctx       *Context
	conductor *Conductor
	toDriver  *ringbuffer.RingBuffer
	rx        *broadcast.CopyReceiver
	proxy     *ConductorProxy

	nowNs     int64
	clientID  int64
	lastCorID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{t: t, clientID: 100}
	ctx := NewContext()
	ctx.DriverDir = t.TempDir()
	ctx.TermLength = 64 * 1024
	ctx.IPCTermLength = 64 * 1024
	ctx.ClientLivenessTimeoutNs = (500 * time.Millisecond).Nanoseconds()
	ctx.PublicationLingerNs = (100 * time.Millisecond).Nanoseconds()
	ctx.ImageLivenessTimeoutNs = (500 * time.Millisecond).Nanoseconds()
	ctx.TimerIntervalNs = time.Millisecond.Nanoseconds()
	ctx.TerminationToken = "shutdown-token"
	ctx.NanoClock = func() int64 { return h.nowNs }
	ctx.EpochClock = func() int64 { return h.nowNs / int64(time.Millisecond) }
	h.ctx = ctx

	ringBuf := memory.NewBuffer(make([]byte, 64*1024+ringbuffer.TrailerLength))
	toDriver, err := ringbuffer.New(ringBuf)
	if err != nil {
		t.Fatalf("ring: %v", err)
	}
	h.toDriver = toDriver

	broadcastBuf := memory.NewBuffer(make([]byte, 64*1024+broadcast.TrailerLength))
	tx, err := broadcast.NewTransmitter(broadcastBuf)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	rx, err := broadcast.NewReceiver(broadcastBuf)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	h.rx = broadcast.NewCopyReceiver(rx)

	manager := counters.NewManager(
		memory.NewBuffer(make([]byte, 256*counters.MetadataRecordLength)),
		memory.NewBuffer(make([]byte, 256*counters.CounterLength)),
		0, ctx.EpochClock)
	system, err := counters.NewSystemCounters(manager)
	if err != nil {
		t.Fatalf("system counters: %v", err)
	}
	errLog := errorlog.NewLog(memory.NewBuffer(make([]byte, 64*1024)), ctx.EpochClock)

	h.proxy = NewConductorProxy(64)
	h.conductor = NewConductor(ctx, toDriver, tx, manager, system, errLog, h.proxy)
	return h
}

func (h *harness) nextCorrelationID() int64 {
	h.lastCorID = h.toDriver.NextCorrelationID() + 1000
	return h.lastCorID
}

func (h *harness) send(typeID int32, msg []byte) {
	h.t.Helper()
	if err := h.toDriver.Write(typeID, msg); err != nil {
		h.t.Fatalf("write command %#x: %v", typeID, err)
	}
	h.conductor.DoWork()
}

func (h *harness) drain() []response {
	h.t.Helper()
	var out []response
	for {
		n := h.rx.Receive(func(msgTypeID int32, msg []byte) {
			out = append(out, response{typeID: msgTypeID, payload: append([]byte(nil), msg...)})
		})
		if n == 0 {
			return out
		}
	}
}

// expectOne drains and asserts exactly one response of the given type.
func (h *harness) expectOne(typeID int32) response {
	h.t.Helper()
	responses := h.drain()
	if len(responses) != 1 {
		h.t.Fatalf("expected one response %#x, got %d: %+v", typeID, len(responses), typesOf(responses))
	}
	if responses[0].typeID != typeID {
		h.t.Fatalf("response type %#x, want %#x", responses[0].typeID, typeID)
	}
	return responses[0]
}

func typesOf(responses []response) []int32 {
	out := make([]int32, len(responses))
	for i, r := range responses {
		out[i] = r.typeID
	}
	return out
}

func (h *harness) addPublication(channel string, streamID int32, exclusive bool) int64 {
	h.t.Helper()
	corID := h.nextCorrelationID()
	m := command.PublicationMessage{
		Correlated: command.Correlated{ClientID: h.clientID, CorrelationID: corID},
		StreamID:   streamID,
		Channel:    channel,
	}
	typeID := command.AddPublication
	if exclusive {
		typeID = command.AddExclusivePublication
	}
	h.send(typeID, m.Encode())
	return corID
}

func (h *harness) addSubscription(channel string, streamID int32) int64 {
	h.t.Helper()
	corID := h.nextCorrelationID()
	m := command.SubscriptionMessage{
		Correlated: command.Correlated{ClientID: h.clientID, CorrelationID: corID},
		StreamID:   streamID,
		Channel:    channel,
	}
	h.send(command.AddSubscription, m.Encode())
	return corID
}

func (h *harness) remove(typeID int32, registrationID int64) int64 {
	h.t.Helper()
	corID := h.nextCorrelationID()
	m := command.RemoveMessage{
		Correlated:     command.Correlated{ClientID: h.clientID, CorrelationID: corID},
		RegistrationID: registrationID,
	}
	h.send(typeID, m.Encode())
	return corID
}

func (h *harness) advance(d time.Duration) {
	h.nowNs += d.Nanoseconds()
	h.conductor.DoWork()
}

func decodePublicationReady(t *testing.T, r response) command.PublicationReady {
	t.Helper()
	var ready command.PublicationReady
	if err := ready.Decode(r.payload); err != nil {
		t.Fatalf("decode publication ready: %v", err)
	}
	return ready
}

// S1: a network publication becomes ready and is removable.
func TestAddRemoveNetworkPublication(t *testing.T) {
	h := newHarness(t)

	corID := h.addPublication("aeron:udp?endpoint=127.0.0.1:40123", 1001, false)
	ready := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))
	if ready.CorrelationID != corID {
		t.Fatalf("ready correlation %d, want %d", ready.CorrelationID, corID)
	}
	if ready.LogFileName == "" {
		t.Fatalf("empty log file name")
	}
	if ready.SessionID == 0 {
		t.Fatalf("session id not assigned")
	}

	removeCorID := h.remove(command.RemovePublication, ready.RegistrationID)
	var ack command.OperationSucceeded
	if err := ack.Decode(h.expectOne(command.OnOperationSuccess).payload); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.CorrelationID != removeCorID {
		t.Fatalf("ack correlation %d, want %d", ack.CorrelationID, removeCorID)
	}
}

// S2: a pinned session id collides across exclusive publications.
func TestExclusiveSessionIDCollision(t *testing.T) {
	h := newHarness(t)
	channel := "aeron:udp?endpoint=127.0.0.1:40123|session-id=7"

	first := h.addPublication(channel, 1001, true)
	ready := decodePublicationReady(t, h.expectOne(command.OnExclusivePublicationReady))
	if ready.CorrelationID != first || ready.SessionID != 7 {
		t.Fatalf("first ready %+v", ready)
	}

	second := h.addPublication(channel, 1001, true)
	var errResp command.ErrorResponse
	if err := errResp.Decode(h.expectOne(command.OnError).payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.OffendingCorrelationID != second {
		t.Fatalf("error correlation %d, want %d", errResp.OffendingCorrelationID, second)
	}
}

// S3: a silent client is reaped with its resources.
func TestClientTimeoutReapsResources(t *testing.T) {
	h := newHarness(t)

	h.addSubscription("aeron:udp?endpoint=127.0.0.1:40123", 1001)
	h.expectOne(command.OnSubscriptionReady)

	counterCorID := h.nextCorrelationID()
	counterMsg := command.CounterMessage{
		Correlated: command.Correlated{ClientID: h.clientID, CorrelationID: counterCorID},
		TypeID:     1002,
		Label:      "app counter",
	}
	h.send(command.AddCounter, counterMsg.Encode())
	h.expectOne(command.OnCounterReady)

	if h.conductor.ClientCount() != 1 {
		t.Fatalf("client count %d", h.conductor.ClientCount())
	}

	h.advance(2 * time.Duration(h.ctx.ClientLivenessTimeoutNs))
	responses := h.drain()

	var sawTimeout, sawCounter bool
	for _, r := range responses {
		switch r.typeID {
		case command.OnClientTimeout:
			sawTimeout = true
		case command.OnUnavailableCounter:
			sawCounter = true
		}
	}
	if !sawTimeout || !sawCounter {
		t.Fatalf("timeout responses %v", typesOf(responses))
	}
	if h.conductor.ClientCount() != 0 {
		t.Fatalf("client count %d after timeout", h.conductor.ClientCount())
	}
}

// S4: shared publications refcount one underlying resource.
func TestSharedPublicationRefCounting(t *testing.T) {
	h := newHarness(t)
	channel := "aeron:udp?endpoint=127.0.0.1:40123"

	var readies []command.PublicationReady
	for i := 0; i < 4; i++ {
		h.addPublication(channel, 1001, false)
		readies = append(readies, decodePublicationReady(t, h.expectOne(command.OnPublicationReady)))
	}

	for _, ready := range readies[1:] {
		if ready.RegistrationID != readies[0].RegistrationID {
			t.Fatalf("publications not shared: %d vs %d", ready.RegistrationID, readies[0].RegistrationID)
		}
		if ready.LogFileName != readies[0].LogFileName {
			t.Fatalf("logs not shared")
		}
		if ready.SessionID != readies[0].SessionID {
			t.Fatalf("sessions differ")
		}
	}
	if len(h.conductor.publications) != 1 {
		t.Fatalf("%d publications, want 1", len(h.conductor.publications))
	}
	if h.conductor.publications[0].refCount != 4 {
		t.Fatalf("refcount %d, want 4", h.conductor.publications[0].refCount)
	}

	h.remove(command.RemovePublication, readies[3].CorrelationID)
	responses := h.drain()
	if len(responses) != 1 || responses[0].typeID != command.OnOperationSuccess {
		t.Fatalf("remove responses %v", typesOf(responses))
	}
	if h.conductor.publications[0].refCount != 3 {
		t.Fatalf("refcount %d after remove, want 3", h.conductor.publications[0].refCount)
	}
}

// S5: a tags= channel reuses the endpoint registered under the tag.
func TestTagReuseSharesEndpoint(t *testing.T) {
	h := newHarness(t)

	h.addPublication("aeron:udp?endpoint=127.0.0.1:40123|tags=1001", 1, false)
	first := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	h.addPublication("aeron:udp?tags=1001", 1, false)
	second := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	if len(h.conductor.sendEndpoints) != 1 {
		t.Fatalf("%d send endpoints, want 1", len(h.conductor.sendEndpoints))
	}
	if second.RegistrationID != first.RegistrationID {
		t.Fatalf("tag channel did not share the publication")
	}

	// A different stream over the tag shares the endpoint, not the publication.
	h.addPublication("aeron:udp?tags=1001", 2, false)
	third := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))
	if third.RegistrationID == first.RegistrationID {
		t.Fatalf("different stream shared the publication")
	}
	if len(h.conductor.sendEndpoints) != 1 {
		t.Fatalf("%d send endpoints after third add", len(h.conductor.sendEndpoints))
	}
}

func TestPublicationLingerThenFree(t *testing.T) {
	h := newHarness(t)

	h.addPublication("aeron:udp?endpoint=127.0.0.1:40123", 1001, false)
	ready := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	h.remove(command.RemovePublication, ready.RegistrationID)
	h.expectOne(command.OnOperationSuccess)

	if len(h.conductor.publications) != 1 {
		t.Fatalf("publication freed before linger")
	}
	h.advance(2 * time.Duration(h.ctx.PublicationLingerNs))
	if len(h.conductor.publications) != 0 {
		t.Fatalf("publication not freed after linger")
	}
	if len(h.conductor.sendEndpoints) != 0 {
		t.Fatalf("endpoint not released")
	}
}

func TestIncompatibleSharedParamsRejected(t *testing.T) {
	h := newHarness(t)

	h.addPublication("aeron:udp?endpoint=127.0.0.1:40123|term-length=64k", 1001, false)
	h.expectOne(command.OnPublicationReady)

	corID := h.addPublication("aeron:udp?endpoint=127.0.0.1:40123|term-length=128k", 1001, false)
	var errResp command.ErrorResponse
	if err := errResp.Decode(h.expectOne(command.OnError).payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.OffendingCorrelationID != corID {
		t.Fatalf("error correlation %d, want %d", errResp.OffendingCorrelationID, corID)
	}
	if !strings.Contains(errResp.Message, "term-length") {
		t.Fatalf("error message %q", errResp.Message)
	}
}

func TestRemoveUnknownRegistrationFails(t *testing.T) {
	h := newHarness(t)

	corID := h.remove(command.RemovePublication, 999999)
	var errResp command.ErrorResponse
	if err := errResp.Decode(h.expectOne(command.OnError).payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.OffendingCorrelationID != corID {
		t.Fatalf("error correlation %d", errResp.OffendingCorrelationID)
	}
	if errResp.ErrorCode != command.ErrCodeUnknownPublication {
		t.Fatalf("error code %d", errResp.ErrorCode)
	}
}

func TestInvalidURIRejected(t *testing.T) {
	h := newHarness(t)
	corID := h.addPublication("aeron:tcp?endpoint=127.0.0.1:40123", 1001, false)
	var errResp command.ErrorResponse
	if err := errResp.Decode(h.expectOne(command.OnError).payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.OffendingCorrelationID != corID || errResp.ErrorCode != command.ErrCodeInvalidChannel {
		t.Fatalf("error %+v", errResp)
	}
}

func TestImageLifecycle(t *testing.T) {
	h := newHarness(t)

	subCorID := h.addSubscription("aeron:udp?endpoint=127.0.0.1:40123", 1001)
	h.expectOne(command.OnSubscriptionReady)

	var endpointForm string
	for form := range h.conductor.recvEndpoints {
		endpointForm = form
	}
	h.proxy.OnNewPublicationImage(PublicationImageEvent{
		EndpointCanonicalForm: endpointForm,
		SessionID:             77,
		StreamID:              1001,
		InitialTermID:         3,
		ActiveTermID:          3,
		TermOffset:            0,
		TermLength:            64 * 1024,
		MTULength:             1408,
		SourceIdentity:        "127.0.0.1:54321",
	})
	h.conductor.DoWork()

	var imageReady command.ImageReady
	if err := imageReady.Decode(h.expectOne(command.OnAvailableImage).payload); err != nil {
		t.Fatalf("decode image ready: %v", err)
	}
	if imageReady.SessionID != 77 || imageReady.StreamID != 1001 {
		t.Fatalf("image %+v", imageReady)
	}
	if imageReady.SubscriberRegID != subCorID {
		t.Fatalf("subscriber reg %d, want %d", imageReady.SubscriberRegID, subCorID)
	}

	// Keepalives keep the client alive while the image idles out.
	deadline := 2 * time.Duration(h.ctx.ImageLivenessTimeoutNs)
	for elapsed := time.Duration(0); elapsed < deadline; elapsed += 100 * time.Millisecond {
		keepalive := command.CorrelatedMessage{
			Correlated: command.Correlated{ClientID: h.clientID, CorrelationID: h.nextCorrelationID()},
		}
		h.send(command.ClientKeepalive, keepalive.Encode())
		h.advance(100 * time.Millisecond)
	}

	responses := h.drain()
	var sawUnavailable bool
	for _, r := range responses {
		if r.typeID == command.OnUnavailableImage {
			sawUnavailable = true
		}
	}
	if !sawUnavailable {
		t.Fatalf("image not reaped: %v", typesOf(responses))
	}
	if len(h.conductor.images) != 0 {
		t.Fatalf("%d images remain", len(h.conductor.images))
	}
}

func TestIPCPublicationAndSubscription(t *testing.T) {
	h := newHarness(t)

	h.addPublication("aeron:ipc", 500, false)
	ready := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	h.addSubscription("aeron:ipc", 500)
	responses := h.drain()
	if len(responses) != 2 {
		t.Fatalf("responses %v", typesOf(responses))
	}

	var sawReady, sawImage bool
	for _, r := range responses {
		switch r.typeID {
		case command.OnSubscriptionReady:
			sawReady = true
		case command.OnAvailableImage:
			sawImage = true
			var imageReady command.ImageReady
			if err := imageReady.Decode(r.payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if imageReady.LogFileName != ready.LogFileName {
				t.Fatalf("ipc image log %q, want publication log", imageReady.LogFileName)
			}
		}
	}
	if !sawReady || !sawImage {
		t.Fatalf("responses %v", typesOf(responses))
	}
}

func TestSpySubscriptionSeesNetworkPublication(t *testing.T) {
	h := newHarness(t)

	h.addPublication("aeron:udp?endpoint=127.0.0.1:40123", 1001, false)
	ready := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	h.addSubscription("aeron-spy:aeron:udp?endpoint=127.0.0.1:40123", 1001)
	responses := h.drain()

	var sawImage bool
	for _, r := range responses {
		if r.typeID == command.OnAvailableImage {
			sawImage = true
			var imageReady command.ImageReady
			if err := imageReady.Decode(r.payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if imageReady.LogFileName != ready.LogFileName {
				t.Fatalf("spy log %q differs from publication log", imageReady.LogFileName)
			}
		}
	}
	if !sawImage {
		t.Fatalf("spy saw no image: %v", typesOf(responses))
	}
}

func TestDestinationRequiresManualControlMode(t *testing.T) {
	h := newHarness(t)

	h.addPublication("aeron:udp?endpoint=127.0.0.1:40123", 1001, false)
	ready := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	corID := h.nextCorrelationID()
	dest := command.DestinationMessage{
		Correlated:     command.Correlated{ClientID: h.clientID, CorrelationID: corID},
		RegistrationID: ready.CorrelationID,
		Channel:        "aeron:udp?endpoint=127.0.0.1:40200",
	}
	h.send(command.AddDestination, dest.Encode())
	var errResp command.ErrorResponse
	if err := errResp.Decode(h.expectOne(command.OnError).payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.OffendingCorrelationID != corID {
		t.Fatalf("error correlation %d", errResp.OffendingCorrelationID)
	}

	h.addPublication("aeron:udp?control-mode=manual", 1002, false)
	manualReady := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	dest.CorrelationID = h.nextCorrelationID()
	dest.RegistrationID = manualReady.CorrelationID
	h.send(command.AddDestination, dest.Encode())
	h.expectOne(command.OnOperationSuccess)
}

func TestTerminateDriverValidation(t *testing.T) {
	h := newHarness(t)

	corID := h.nextCorrelationID()
	m := command.TerminateDriverMessage{
		Correlated: command.Correlated{ClientID: h.clientID, CorrelationID: corID},
		Token:      []byte("wrong"),
	}
	h.send(command.TerminateDriver, m.Encode())
	h.expectOne(command.OnError)
	if h.conductor.TerminationRequested() {
		t.Fatalf("terminated on bad token")
	}

	m.CorrelationID = h.nextCorrelationID()
	m.Token = []byte("shutdown-token")
	h.send(command.TerminateDriver, m.Encode())
	if !h.conductor.TerminationRequested() {
		t.Fatalf("termination not requested")
	}
}

func TestCounterAddRemove(t *testing.T) {
	h := newHarness(t)

	corID := h.nextCorrelationID()
	add := command.CounterMessage{
		Correlated: command.Correlated{ClientID: h.clientID, CorrelationID: corID},
		TypeID:     1002,
		Key:        []byte{1, 2, 3},
		Label:      "orders processed",
	}
	h.send(command.AddCounter, add.Encode())
	var ready command.CounterUpdate
	if err := ready.Decode(h.expectOne(command.OnCounterReady).payload); err != nil {
		t.Fatalf("decode: %v", err)
	}

	h.remove(command.RemoveCounter, corID)
	responses := h.drain()
	if len(responses) != 2 {
		t.Fatalf("responses %v", typesOf(responses))
	}
	if responses[0].typeID != command.OnUnavailableCounter {
		t.Fatalf("first response %#x, want unavailable counter", responses[0].typeID)
	}
	if responses[1].typeID != command.OnOperationSuccess {
		t.Fatalf("second response %#x, want success", responses[1].typeID)
	}
}

func TestSessionIDAllocatorSkipsReservedAndInUse(t *testing.T) {
	a := newSessionIDAllocator(10, 12, 14)
	used := map[int32]bool{10: true}
	inUse := func(id int32) bool { return used[id] }

	if got := a.allocate(inUse); got != 11 {
		t.Fatalf("allocated %d, want 11", got)
	}
	// Reserved range [12,14] is skipped entirely.
	if got := a.allocate(inUse); got != 15 {
		t.Fatalf("allocated %d, want 15", got)
	}
}

func TestSessionIDAllocatorWrapsInt32(t *testing.T) {
	a := newSessionIDAllocator(int32(^uint32(0)>>1), -1, -1) // INT32_MAX
	inUse := func(int32) bool { return false }

	if got := a.allocate(inUse); got != int32(^uint32(0)>>1) {
		t.Fatalf("allocated %d", got)
	}
	if got := a.allocate(inUse); got != -int32(^uint32(0)>>1)-1 {
		t.Fatalf("wrap allocated %d, want INT32_MIN", got)
	}
}

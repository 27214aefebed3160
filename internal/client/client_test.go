package client

import (
	"bytes"
	"testing"
	"time"

	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/driver"
	"github.com/ppiankov/aerobus/internal/logbuffer"
)

// startDriver launches an in-process media driver over a temp directory.
func startDriver(t *testing.T) (*driver.Driver, Options) {
	t.Helper()
	ctx := driver.NewContext()
	ctx.DriverDir = t.TempDir() + "/driver"
	ctx.TermLength = 64 * 1024
	ctx.IPCTermLength = 64 * 1024
	d, err := driver.New(ctx)
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	d.Start()
	t.Cleanup(func() { _ = d.Close() })

	opts := DefaultOptions(ctx.DriverDir)
	opts.DriverTimeout = 5 * time.Second
	return d, opts
}

func connect(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Connect(opts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pollUntil polls a subscription until the predicate holds or the deadline
// passes.
func pollUntil(t *testing.T, sub *Subscription, handler logbuffer.FragmentHandler, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("poll deadline passed")
		}
		sub.Poll(handler, 10)
	}
}

func offerUntilAccepted(t *testing.T, pub *Publication, msg []byte) int64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		position := pub.Offer(msg)
		if position > 0 {
			return position
		}
		switch position {
		case AdminAction, NotConnected, BackPressured:
			if time.Now().After(deadline) {
				t.Fatalf("offer not accepted: %d", position)
			}
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("offer failed: %d", position)
		}
	}
}

func TestIPCPublishSubscribeRoundTrip(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddPublication("aeron:ipc", 10)
	if err != nil {
		t.Fatalf("add publication: %v", err)
	}
	sub, err := c.AddSubscription("aeron:ipc", 10)
	if err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	sent := []byte("hello via shared memory")
	offerUntilAccepted(t, pub, sent)

	var got []byte
	pollUntil(t, sub, func(payload []byte, _ *logbuffer.Header) {
		got = append([]byte(nil), payload...)
	}, func() bool { return got != nil })

	if !bytes.Equal(got, sent) {
		t.Fatalf("received %q, want %q", got, sent)
	}
}

// S6: a message of twice the max payload arrives as BEGIN and END fragments
// whose concatenation equals the original.
func TestFragmentationRoundTrip(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddPublication("aeron:ipc", 11)
	if err != nil {
		t.Fatalf("add publication: %v", err)
	}
	sub, err := c.AddSubscription("aeron:ipc", 11)
	if err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	maxPayload := int(pub.maxPayloadLength)
	sent := make([]byte, 2*maxPayload)
	for i := range sent {
		sent[i] = byte(i * 7)
	}
	offerUntilAccepted(t, pub, sent)

	var fragments int
	var termIDs []int32
	var flags []uint8
	var assembled []byte
	assembler := NewFragmentAssembler(func(payload []byte, _ *logbuffer.Header) {
		assembled = append([]byte(nil), payload...)
	})
	pollUntil(t, sub, func(payload []byte, header *logbuffer.Header) {
		fragments++
		termIDs = append(termIDs, header.TermID())
		flags = append(flags, header.Flags())
		assembler.OnFragment(payload, header)
	}, func() bool { return assembled != nil })

	if fragments != 2 {
		t.Fatalf("fragments %d, want 2", fragments)
	}
	if flags[0]&logbuffer.BeginFragFlag == 0 || flags[0]&logbuffer.EndFragFlag != 0 {
		t.Fatalf("first fragment flags %#x", flags[0])
	}
	if flags[1]&logbuffer.EndFragFlag == 0 || flags[1]&logbuffer.BeginFragFlag != 0 {
		t.Fatalf("second fragment flags %#x", flags[1])
	}
	if termIDs[0] != termIDs[1] {
		t.Fatalf("fragment term ids differ: %v", termIDs)
	}
	if !bytes.Equal(assembled, sent) {
		t.Fatalf("assembled %d bytes differ from sent %d", len(assembled), len(sent))
	}
}

func TestOfferPositionsStrictlyIncrease(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddPublication("aeron:ipc", 12)
	if err != nil {
		t.Fatalf("add publication: %v", err)
	}
	if _, err := c.AddSubscription("aeron:ipc", 12); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	msg := make([]byte, 96) // aligned frame length 128
	prev := int64(0)
	for i := 0; i < 50; i++ {
		position := offerUntilAccepted(t, pub, msg)
		if position <= prev {
			t.Fatalf("offer %d: position %d not increasing past %d", i, position, prev)
		}
		if prev != 0 && position-prev != 128 {
			t.Fatalf("offer %d: position delta %d, want 128", i, position-prev)
		}
		prev = position
	}
}

func TestTryClaimRoundTrip(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddPublication("aeron:ipc", 13)
	if err != nil {
		t.Fatalf("add publication: %v", err)
	}
	sub, err := c.AddSubscription("aeron:ipc", 13)
	if err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	var claim logbuffer.Claim
	deadline := time.Now().Add(5 * time.Second)
	for {
		if position := pub.TryClaim(32, &claim); position > 0 {
			break
		} else if position != AdminAction && position != NotConnected && position != BackPressured {
			t.Fatalf("claim failed: %d", position)
		}
		if time.Now().After(deadline) {
			t.Fatalf("claim not accepted")
		}
		time.Sleep(time.Millisecond)
	}
	copy(claim.Buffer(), []byte("claimed message"))
	claim.Commit()

	var got []byte
	pollUntil(t, sub, func(payload []byte, _ *logbuffer.Header) {
		got = append([]byte(nil), payload...)
	}, func() bool { return got != nil })
	if !bytes.Equal(got[:15], []byte("claimed message")) {
		t.Fatalf("received %q", got)
	}
}

func TestSpySubscriptionReadsNetworkPublication(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddPublication("aeron:udp?endpoint=127.0.0.1:40123", 14)
	if err != nil {
		t.Fatalf("add publication: %v", err)
	}
	sub, err := c.AddSubscription("aeron-spy:aeron:udp?endpoint=127.0.0.1:40123", 14)
	if err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	sent := []byte("spied frame")
	offerUntilAccepted(t, pub, sent)

	var got []byte
	pollUntil(t, sub, func(payload []byte, _ *logbuffer.Header) {
		got = append([]byte(nil), payload...)
	}, func() bool { return got != nil })
	if !bytes.Equal(got, sent) {
		t.Fatalf("received %q, want %q", got, sent)
	}
}

func TestExclusivePublicationOffer(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddExclusivePublication("aeron:ipc?session-id=42", 15)
	if err != nil {
		t.Fatalf("add exclusive publication: %v", err)
	}
	if pub.SessionID() != 42 {
		t.Fatalf("session id %d, want 42", pub.SessionID())
	}
	sub, err := c.AddSubscription("aeron:ipc", 15)
	if err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	sent := []byte("exclusive frame")
	offerUntilAccepted(t, pub, sent)

	var gotSession int32
	var got []byte
	pollUntil(t, sub, func(payload []byte, header *logbuffer.Header) {
		got = append([]byte(nil), payload...)
		gotSession = header.SessionID()
	}, func() bool { return got != nil })
	if gotSession != 42 {
		t.Fatalf("frame session %d, want 42", gotSession)
	}
}

func TestOversizeMessageRejected(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	pub, err := c.AddPublication("aeron:ipc", 16)
	if err != nil {
		t.Fatalf("add publication: %v", err)
	}
	if got := pub.Offer(make([]byte, pub.MaxMessageLength()+1)); got != PublicationError {
		t.Fatalf("oversize offer returned %d", got)
	}
}

func TestRemoveUnknownRegistrationSurfacesError(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	if err := c.remove(command.RemovePublication, 123456789); err == nil {
		t.Fatalf("remove of unknown registration succeeded")
	}
}

func TestCounterRoundTrip(t *testing.T) {
	_, opts := startDriver(t)
	c := connect(t, opts)

	counter, registrationID, err := c.AddCounter(1002, []byte{9}, "orders")
	if err != nil {
		t.Fatalf("add counter: %v", err)
	}
	counter.Set(41)
	counter.Increment()

	found := false
	c.CountersReader().Scan(func(info counters.CounterInfo) {
		if info.RegistrationID == registrationID {
			found = true
			if info.Label != "orders" || info.Value != 42 {
				t.Fatalf("counter info %+v", info)
			}
		}
	})
	if !found {
		t.Fatalf("counter not visible to reader")
	}

	if err := c.RemoveCounter(registrationID); err != nil {
		t.Fatalf("remove counter: %v", err)
	}
}

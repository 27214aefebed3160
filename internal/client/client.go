// Package client is the user-facing API: it maps the driver's CnC file,
// issues commands over the ring, observes the broadcast, and hands out
// publications and subscriptions over shared log buffers.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/aerobus/internal/broadcast"
	"github.com/ppiankov/aerobus/internal/cnc"
	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/idle"
	"github.com/ppiankov/aerobus/internal/ringbuffer"
)

// Errors surfaced by control-plane calls.
var (
	ErrTimeout      = errors.New("client: driver did not respond within the timeout")
	ErrClientClosed = errors.New("client: closed")
	ErrDriverReaped = errors.New("client: driver timed out this client")
)

// Options configure a client.
type Options struct {
	DriverDir         string
	DriverTimeout     time.Duration
	KeepaliveInterval time.Duration
	Idle              *idle.Strategy
}

// DefaultOptions returns default options against driverDir.
func DefaultOptions(driverDir string) Options {
	return Options{
		DriverDir:         driverDir,
		DriverTimeout:     10 * time.Second,
		KeepaliveInterval: 500 * time.Millisecond,
		Idle:              idle.New(idle.Backoff),
	}
}

// Client is a single-threaded handle onto one driver. Control-plane calls
// drive the duty cycle internally; data-plane polls on publications and
// subscriptions are independent of it.
type Client struct {
	opts     Options
	cncFile  *cnc.File
	toDriver *ringbuffer.RingBuffer
	rx       *broadcast.CopyReceiver

	clientID int64
	closed   bool
	reaped   bool

	pending       map[int64]*registration
	subscriptions map[int64]*Subscription
	publications  map[int64]*Publication

	lastKeepaliveNs int64
}

// registration is a command awaiting its response.
type registration struct {
	correlationID int64
	ready         *command.PublicationReady
	subReady      *command.SubscriptionReady
	counter       *command.CounterUpdate
	opSuccess     bool
	err           error
	done          bool
}

// Connect maps the CnC file and attaches to the driver.
func Connect(opts Options) (*Client, error) {
	if opts.Idle == nil {
		opts.Idle = idle.New(idle.Backoff)
	}
	cncFile, err := cnc.MapFile(opts.DriverDir)
	if err != nil {
		return nil, err
	}
	toDriver, err := ringbuffer.New(cncFile.ToDriver)
	if err != nil {
		_ = cncFile.Close()
		return nil, err
	}
	receiver, err := broadcast.NewReceiver(cncFile.ToClients)
	if err != nil {
		_ = cncFile.Close()
		return nil, err
	}

	c := &Client{
		opts:          opts,
		cncFile:       cncFile,
		toDriver:      toDriver,
		rx:            broadcast.NewCopyReceiver(receiver),
		clientID:      toDriver.NextCorrelationID(),
		pending:       make(map[int64]*registration),
		subscriptions: make(map[int64]*Subscription),
		publications:  make(map[int64]*Publication),
	}
	return c, nil
}

// ClientID returns the driver-facing identity of this client.
func (c *Client) ClientID() int64 {
	return c.clientID
}

// DoWork polls the broadcast and sends keepalives; returns work done. Called
// internally by blocking calls, or by the application when embedding the
// client in its own duty loop.
func (c *Client) DoWork() int {
	work := c.rx.Receive(c.onBroadcast)

	nowNs := time.Now().UnixNano()
	if nowNs-c.lastKeepaliveNs >= c.opts.KeepaliveInterval.Nanoseconds() {
		c.lastKeepaliveNs = nowNs
		keepalive := command.CorrelatedMessage{
			Correlated: command.Correlated{ClientID: c.clientID, CorrelationID: 0},
		}
		_ = c.toDriver.Write(command.ClientKeepalive, keepalive.Encode())
		work++
	}
	return work
}

func (c *Client) onBroadcast(msgTypeID int32, msg []byte) {
	switch msgTypeID {
	case command.OnPublicationReady, command.OnExclusivePublicationReady:
		var ready command.PublicationReady
		if ready.Decode(msg) != nil {
			return
		}
		if reg, ok := c.pending[ready.CorrelationID]; ok {
			r := ready
			reg.ready = &r
			reg.done = true
		}
	case command.OnSubscriptionReady:
		var ready command.SubscriptionReady
		if ready.Decode(msg) != nil {
			return
		}
		if reg, ok := c.pending[ready.CorrelationID]; ok {
			r := ready
			reg.subReady = &r
			reg.done = true
		}
	case command.OnOperationSuccess:
		var ack command.OperationSucceeded
		if ack.Decode(msg) != nil {
			return
		}
		if reg, ok := c.pending[ack.CorrelationID]; ok {
			reg.opSuccess = true
			reg.done = true
		}
	case command.OnError:
		var errResp command.ErrorResponse
		if errResp.Decode(msg) != nil {
			return
		}
		if reg, ok := c.pending[errResp.OffendingCorrelationID]; ok {
			reg.err = fmt.Errorf("driver error %d: %s", errResp.ErrorCode, errResp.Message)
			reg.done = true
		}
	case command.OnCounterReady, command.OnUnavailableCounter:
		var update command.CounterUpdate
		if update.Decode(msg) != nil {
			return
		}
		if reg, ok := c.pending[update.CorrelationID]; ok && msgTypeID == command.OnCounterReady {
			u := update
			reg.counter = &u
			reg.done = true
		}
	case command.OnAvailableImage:
		var ready command.ImageReady
		if ready.Decode(msg) != nil {
			return
		}
		if sub, ok := c.subscriptions[ready.SubscriberRegID]; ok {
			sub.onAvailableImage(&ready, c.cncFile.CounterValues)
		}
	case command.OnUnavailableImage:
		var unavailable command.ImageMessage
		if unavailable.Decode(msg) != nil {
			return
		}
		if sub, ok := c.subscriptions[unavailable.SubscriberRegID]; ok {
			sub.onUnavailableImage(unavailable.CorrelationID)
		}
	case command.OnClientTimeout:
		var timeout command.ClientTimeout
		if timeout.Decode(msg) != nil {
			return
		}
		if timeout.ClientID == c.clientID {
			c.reaped = true
		}
	}
}

// await spins the duty cycle until the registration resolves.
func (c *Client) await(reg *registration) error {
	deadline := time.Now().Add(c.opts.DriverTimeout)
	for !reg.done {
		if c.reaped {
			return ErrDriverReaped
		}
		if time.Now().After(deadline) {
			delete(c.pending, reg.correlationID)
			return ErrTimeout
		}
		c.opts.Idle.Idle(c.DoWork())
	}
	delete(c.pending, reg.correlationID)
	return reg.err
}

func (c *Client) newRegistration() *registration {
	reg := &registration{correlationID: c.toDriver.NextCorrelationID()}
	c.pending[reg.correlationID] = reg
	return reg
}

// AddPublication registers a shared publication and blocks until it is ready.
func (c *Client) AddPublication(channel string, streamID int32) (*Publication, error) {
	return c.addPublication(channel, streamID, false)
}

// AddExclusivePublication registers a single-writer publication.
func (c *Client) AddExclusivePublication(channel string, streamID int32) (*Publication, error) {
	return c.addPublication(channel, streamID, true)
}

func (c *Client) addPublication(channel string, streamID int32, exclusive bool) (*Publication, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	reg := c.newRegistration()
	m := command.PublicationMessage{
		Correlated: command.Correlated{ClientID: c.clientID, CorrelationID: reg.correlationID},
		StreamID:   streamID,
		Channel:    channel,
	}
	typeID := command.AddPublication
	if exclusive {
		typeID = command.AddExclusivePublication
	}
	if err := c.toDriver.Write(typeID, m.Encode()); err != nil {
		delete(c.pending, reg.correlationID)
		return nil, err
	}
	if err := c.await(reg); err != nil {
		return nil, err
	}

	pub, err := newPublication(c, channel, reg.correlationID, reg.ready, exclusive)
	if err != nil {
		return nil, err
	}
	c.publications[reg.correlationID] = pub
	return pub, nil
}

// AddSubscription registers a subscription and blocks until it is ready.
func (c *Client) AddSubscription(channel string, streamID int32) (*Subscription, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	reg := c.newRegistration()
	m := command.SubscriptionMessage{
		Correlated: command.Correlated{ClientID: c.clientID, CorrelationID: reg.correlationID},
		StreamID:   streamID,
		Channel:    channel,
	}
	if err := c.toDriver.Write(command.AddSubscription, m.Encode()); err != nil {
		delete(c.pending, reg.correlationID)
		return nil, err
	}

	sub := newSubscription(c, channel, streamID, reg.correlationID)
	c.subscriptions[reg.correlationID] = sub
	if err := c.await(reg); err != nil {
		delete(c.subscriptions, reg.correlationID)
		return nil, err
	}
	return sub, nil
}

// AddCounter registers an application counter and blocks until it is ready.
func (c *Client) AddCounter(typeID int32, key []byte, label string) (*counters.Counter, int64, error) {
	if c.closed {
		return nil, 0, ErrClientClosed
	}
	reg := c.newRegistration()
	m := command.CounterMessage{
		Correlated: command.Correlated{ClientID: c.clientID, CorrelationID: reg.correlationID},
		TypeID:     typeID,
		Key:        key,
		Label:      label,
	}
	if err := c.toDriver.Write(command.AddCounter, m.Encode()); err != nil {
		delete(c.pending, reg.correlationID)
		return nil, 0, err
	}
	if err := c.await(reg); err != nil {
		return nil, 0, err
	}
	return counters.Handle(c.cncFile.CounterValues, reg.counter.CounterID), reg.correlationID, nil
}

// remove issues a removal command and waits for the acknowledgement.
func (c *Client) remove(typeID int32, registrationID int64) error {
	reg := c.newRegistration()
	m := command.RemoveMessage{
		Correlated:     command.Correlated{ClientID: c.clientID, CorrelationID: reg.correlationID},
		RegistrationID: registrationID,
	}
	if err := c.toDriver.Write(typeID, m.Encode()); err != nil {
		delete(c.pending, reg.correlationID)
		return err
	}
	return c.await(reg)
}

// RemoveCounter releases an application counter by registration id.
func (c *Client) RemoveCounter(registrationID int64) error {
	return c.remove(command.RemoveCounter, registrationID)
}

// CountersReader exposes the driver counters for observation.
func (c *Client) CountersReader() *counters.Reader {
	return counters.NewReader(c.cncFile.CounterMeta, c.cncFile.CounterValues)
}

// Close notifies the driver and unmaps the CnC file.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	closeMsg := command.CorrelatedMessage{
		Correlated: command.Correlated{ClientID: c.clientID, CorrelationID: 0},
	}
	_ = c.toDriver.Write(command.ClientClose, closeMsg.Encode())

	for _, pub := range c.publications {
		pub.close()
	}
	for _, sub := range c.subscriptions {
		sub.close()
	}
	return c.cncFile.Close()
}

package client

import (
	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/logbuffer"
	"github.com/ppiankov/aerobus/internal/memory"
)

// AvailableImageHandler observes images attaching to a subscription.
type AvailableImageHandler func(*Image)

// UnavailableImageHandler observes images detaching.
type UnavailableImageHandler func(*Image)

// Subscription is the consumer handle onto a stream: it binds to the images
// the driver announces and polls their logs round-robin.
type Subscription struct {
	client         *Client
	channel        string
	streamID       int32
	registrationID int64

	images     []*Image
	roundRobin int

	OnAvailableImage   AvailableImageHandler
	OnUnavailableImage UnavailableImageHandler

	closed bool
}

func newSubscription(c *Client, channel string, streamID int32, registrationID int64) *Subscription {
	return &Subscription{
		client:         c,
		channel:        channel,
		streamID:       streamID,
		registrationID: registrationID,
	}
}

// Channel returns the channel URI the subscription was opened with.
func (s *Subscription) Channel() string {
	return s.channel
}

// StreamID returns the stream id.
func (s *Subscription) StreamID() int32 {
	return s.streamID
}

// RegistrationID identifies this handle to the driver.
func (s *Subscription) RegistrationID() int64 {
	return s.registrationID
}

// IsConnected reports whether any image is attached.
func (s *Subscription) IsConnected() bool {
	return !s.closed && len(s.images) > 0
}

// ImageCount returns the attached image count.
func (s *Subscription) ImageCount() int {
	return len(s.images)
}

// Poll drives the client duty cycle once, then delivers up to fragmentLimit
// fragments across the attached images, rotating the starting image so one
// fast producer cannot starve the rest.
func (s *Subscription) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int {
	if s.closed {
		return 0
	}
	s.client.DoWork()

	imageCount := len(s.images)
	if imageCount == 0 {
		return 0
	}
	if s.roundRobin >= imageCount {
		s.roundRobin = 0
	}

	fragmentsRead := 0
	for i := 0; i < imageCount && fragmentsRead < fragmentLimit; i++ {
		image := s.images[(s.roundRobin+i)%imageCount]
		fragmentsRead += image.Poll(handler, fragmentLimit-fragmentsRead)
	}
	s.roundRobin++
	return fragmentsRead
}

// onAvailableImage maps the announced log and attaches the image.
func (s *Subscription) onAvailableImage(ready *command.ImageReady, values *memory.Buffer) {
	for _, image := range s.images {
		if image.correlationID == ready.CorrelationID {
			return
		}
	}
	log, err := logbuffer.Map(ready.LogFileName)
	if err != nil {
		return
	}
	meta := log.Meta()
	termLength := meta.TermLength()
	image := &Image{
		correlationID:      ready.CorrelationID,
		sessionID:          ready.SessionID,
		sourceIdentity:     ready.SourceIdentity,
		log:                log,
		subscriberPosition: counters.Handle(values, ready.SubscriberPositionID),
		termLengthMask:     termLength - 1,
		positionBits:       logbuffer.PositionBitsToShift(termLength),
		initialTermID:      meta.InitialTermID(),
	}
	image.header = logbuffer.Header{
		InitialTermID: image.initialTermID,
		PositionBits:  image.positionBits,
	}
	meta.SetConnected(true)
	s.images = append(s.images, image)
	if s.OnAvailableImage != nil {
		s.OnAvailableImage(image)
	}
}

func (s *Subscription) onUnavailableImage(correlationID int64) {
	for i, image := range s.images {
		if image.correlationID != correlationID {
			continue
		}
		s.images = append(s.images[:i], s.images[i+1:]...)
		if s.OnUnavailableImage != nil {
			s.OnUnavailableImage(image)
		}
		image.close()
		return
	}
}

// Close removes the subscription registration from the driver.
func (s *Subscription) Close() error {
	if s.closed {
		return nil
	}
	err := s.client.remove(command.RemoveSubscription, s.registrationID)
	s.close()
	delete(s.client.subscriptions, s.registrationID)
	return err
}

func (s *Subscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, image := range s.images {
		image.close()
	}
	s.images = nil
}

// Package driver implements the media driver: the conductor control plane,
// publications, subscriptions, images, channel endpoints, and the agents that
// keep positions and limits current.
package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/aerobus/internal/broadcast"
	"github.com/ppiankov/aerobus/internal/logbuffer"
	"github.com/ppiankov/aerobus/internal/ringbuffer"
	"github.com/ppiankov/aerobus/internal/util"
)

// Defaults applied by NewContext. Shared-memory control buffers carry their
// trailers on top of the power-of-two data capacity.
const (
	DefaultTermLength      = int32(16 * 1024 * 1024)
	DefaultIPCTermLength   = int32(64 * 1024 * 1024)
	DefaultMTULength       = int32(1408)
	DefaultConductorBuffer = int32(1024*1024) + ringbuffer.TrailerLength
	DefaultBroadcastBuffer = int32(1024*1024) + broadcast.TrailerLength
	DefaultCounterMeta     = int32(2 * 1024 * 1024)
	DefaultErrorLogLength  = int32(1024 * 1024)

	DefaultClientLivenessTimeout   = 10 * time.Second
	DefaultPublicationLinger       = 5 * time.Second
	DefaultImageLivenessTimeout    = 10 * time.Second
	DefaultCounterFreeToReuse      = time.Second
	DefaultTimerInterval           = time.Millisecond
	DefaultPublicationWindowLength = int64(128 * 1024)
)

// Context carries the configuration and shared collaborators of one driver
// instance. It is constructed at startup and threaded explicitly into every
// subsystem; there are no ambient singletons.
type Context struct {
	DriverDir string

	TermLength    int32
	IPCTermLength int32
	MTULength     int32

	ToDriverLength   int32
	ToClientsLength  int32
	CounterMetaLen   int32
	ErrorLogLength   int32
	SparseLogFiles   bool
	StrictURIParams  bool
	TerminationToken string

	ClientLivenessTimeoutNs   int64
	PublicationLingerNs       int64
	ImageLivenessTimeoutNs    int64
	CounterFreeToReuseMs      int64
	TimerIntervalNs           int64
	PublicationWindowLength   int64
	ReservedSessionIDLow      int32
	ReservedSessionIDHigh     int32
	InitialSessionID          int32

	NanoClock  util.NanoClock
	EpochClock util.EpochClock
}

// NewContext returns a context with defaults filled in.
func NewContext() *Context {
	return &Context{
		DriverDir:               DefaultDir(),
		TermLength:              DefaultTermLength,
		IPCTermLength:           DefaultIPCTermLength,
		MTULength:               DefaultMTULength,
		ToDriverLength:          DefaultConductorBuffer,
		ToClientsLength:         DefaultBroadcastBuffer,
		CounterMetaLen:          DefaultCounterMeta,
		ErrorLogLength:          DefaultErrorLogLength,
		ClientLivenessTimeoutNs: DefaultClientLivenessTimeout.Nanoseconds(),
		PublicationLingerNs:     DefaultPublicationLinger.Nanoseconds(),
		ImageLivenessTimeoutNs:  DefaultImageLivenessTimeout.Nanoseconds(),
		CounterFreeToReuseMs:    DefaultCounterFreeToReuse.Milliseconds(),
		TimerIntervalNs:         DefaultTimerInterval.Nanoseconds(),
		PublicationWindowLength: DefaultPublicationWindowLength,
		ReservedSessionIDLow:    -1,
		ReservedSessionIDHigh:   -1,
		InitialSessionID:        1,
		NanoClock:               util.SystemNanoClock,
		EpochClock:              util.SystemEpochClock,
	}
}

// DefaultDir returns the platform default driver directory.
func DefaultDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return fmt.Sprintf("/dev/shm/aerobus-%d", os.Getuid())
	}
	return filepath.Join(os.TempDir(), "aerobus")
}

// Validate checks the context before the driver starts.
func (c *Context) Validate() error {
	if c.DriverDir == "" {
		return fmt.Errorf("driver dir not set")
	}
	if err := logbuffer.CheckTermLength(c.TermLength); err != nil {
		return err
	}
	if err := logbuffer.CheckTermLength(c.IPCTermLength); err != nil {
		return err
	}
	if err := logbuffer.CheckMTULength(c.MTULength); err != nil {
		return err
	}
	if !util.IsPowerOfTwo(int64(c.ToDriverLength - ringbuffer.TrailerLength)) {
		return fmt.Errorf("to-driver ring data capacity not a power of 2")
	}
	if !util.IsPowerOfTwo(int64(c.ToClientsLength - broadcast.TrailerLength)) {
		return fmt.Errorf("to-clients broadcast data capacity not a power of 2")
	}
	if c.ClientLivenessTimeoutNs <= 0 || c.ImageLivenessTimeoutNs <= 0 {
		return fmt.Errorf("liveness timeouts must be positive")
	}
	if c.ReservedSessionIDLow > c.ReservedSessionIDHigh {
		return fmt.Errorf("reserved session id range inverted: [%d, %d]",
			c.ReservedSessionIDLow, c.ReservedSessionIDHigh)
	}
	return nil
}

// PublicationsDir is where publication log files live.
func (c *Context) PublicationsDir() string {
	return filepath.Join(c.DriverDir, "publications")
}

// ImagesDir is where image log files live.
func (c *Context) ImagesDir() string {
	return filepath.Join(c.DriverDir, "images")
}

// PublicationLogPath names a publication log by registration id.
func (c *Context) PublicationLogPath(registrationID int64) string {
	return filepath.Join(c.PublicationsDir(), fmt.Sprintf("%d.logbuffer", registrationID))
}

// ImageLogPath names an image log by correlation id.
func (c *Context) ImageLogPath(correlationID int64) string {
	return filepath.Join(c.ImagesDir(), fmt.Sprintf("%d.logbuffer", correlationID))
}

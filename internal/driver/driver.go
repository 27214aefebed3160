package driver

import (
	"fmt"
	"os"
	"sync"

	"github.com/ppiankov/aerobus/internal/broadcast"
	"github.com/ppiankov/aerobus/internal/cnc"
	"github.com/ppiankov/aerobus/internal/counters"
	"github.com/ppiankov/aerobus/internal/errorlog"
	"github.com/ppiankov/aerobus/internal/idle"
	"github.com/ppiankov/aerobus/internal/ringbuffer"
)

// Driver assembles the media driver: CnC file, control buffers, counters,
// conductor, and sender, each agent on its own goroutine with an idle
// strategy.
type Driver struct {
	ctx       *Context
	cncFile   *cnc.File
	toDriver  *ringbuffer.RingBuffer
	toClients *broadcast.Transmitter

	countersManager *counters.Manager
	systemCounters  *counters.SystemCounters
	errorLog        *errorlog.Log

	Conductor *Conductor
	Sender    *Sender
	Proxy     *ConductorProxy

	ConductorIdle *idle.Strategy
	SenderIdle    *idle.Strategy

	stop       chan struct{}
	terminated chan struct{}
	wg         sync.WaitGroup
	started    bool
}

// New builds a driver over a fresh driver directory without starting agents.
func New(ctx *Context) (*Driver, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cnc.Path(ctx.DriverDir)); err == nil {
		return nil, fmt.Errorf("driver already active in %s (cnc file present)", ctx.DriverDir)
	}
	for _, dir := range []string{ctx.DriverDir, ctx.PublicationsDir(), ctx.ImagesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create driver dir: %w", err)
		}
	}

	counterValuesLength := (ctx.CounterMetaLen / counters.MetadataRecordLength) * counters.CounterLength
	cncFile, err := cnc.CreateFile(ctx.DriverDir, cnc.Options{
		ToDriverLength:          ctx.ToDriverLength,
		ToClientsLength:         ctx.ToClientsLength,
		CounterMetadataLength:   ctx.CounterMetaLen,
		CounterValuesLength:     counterValuesLength,
		ErrorLogLength:          ctx.ErrorLogLength,
		ClientLivenessTimeoutNs: ctx.ClientLivenessTimeoutNs,
		StartTimestampMs:        ctx.EpochClock(),
		PID:                     int64(os.Getpid()),
	})
	if err != nil {
		return nil, err
	}

	toDriver, err := ringbuffer.New(cncFile.ToDriver)
	if err != nil {
		_ = cncFile.Delete()
		return nil, err
	}
	toClients, err := broadcast.NewTransmitter(cncFile.ToClients)
	if err != nil {
		_ = cncFile.Delete()
		return nil, err
	}

	manager := counters.NewManager(cncFile.CounterMeta, cncFile.CounterValues,
		ctx.CounterFreeToReuseMs, ctx.EpochClock)
	system, err := counters.NewSystemCounters(manager)
	if err != nil {
		_ = cncFile.Delete()
		return nil, err
	}
	errLog := errorlog.NewLog(cncFile.ErrorLog, ctx.EpochClock)

	proxy := NewConductorProxy(1024)
	conductor := NewConductor(ctx, toDriver, toClients, manager, system, errLog, proxy)
	sender := NewSender(ctx)
	conductor.SetSender(sender)

	return &Driver{
		ctx:             ctx,
		cncFile:         cncFile,
		toDriver:        toDriver,
		toClients:       toClients,
		countersManager: manager,
		systemCounters:  system,
		errorLog:        errLog,
		Conductor:       conductor,
		Sender:          sender,
		Proxy:           proxy,
		ConductorIdle:   idle.New(idle.Backoff),
		SenderIdle:      idle.New(idle.Backoff),
		stop:            make(chan struct{}),
		terminated:      make(chan struct{}),
	}, nil
}

// Start launches the conductor and sender duty loops.
func (d *Driver) Start() {
	if d.started {
		return
	}
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				return
			default:
			}
			work := d.Conductor.DoWork()
			if d.Conductor.TerminationRequested() {
				select {
				case <-d.terminated:
				default:
					close(d.terminated)
				}
				return
			}
			d.ConductorIdle.Idle(work)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				return
			case <-d.terminated:
				return
			default:
			}
			d.SenderIdle.Idle(d.Sender.DoWork())
		}
	}()
}

// Terminated is closed when a validated TERMINATE_DRIVER arrives.
func (d *Driver) Terminated() <-chan struct{} {
	return d.terminated
}

// CountersReader exposes the live counters for the admin surface.
func (d *Driver) CountersReader() *counters.Reader {
	return counters.NewReader(d.cncFile.CounterMeta, d.cncFile.CounterValues)
}

// Close stops the agents and removes the CnC file.
func (d *Driver) Close() error {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
	return d.cncFile.Delete()
}

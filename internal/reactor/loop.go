// Package reactor runs the bridge's single-threaded event loop. One goroutine
// owns the device channel, the transmit slot table and the client registry;
// TCP activity reaches it only as hub.Events on a channel.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/txslot"
)

// MaxEvents bounds the events dispatched per iteration.
const MaxEvents = 32

// ErrShutdown wraps the fatal error that ended the loop.
var ErrShutdown = errors.New("reactor: shutdown")

type State int32

const (
	Idle State = iota
	PollReady
	Dispatch
	Shutdown
)

func (s State) String() string {
	switch s {
	case PollReady:
		return "poll_ready"
	case Dispatch:
		return "dispatch"
	case Shutdown:
		return "shutdown"
	}
	return "idle"
}

// Loop is the reactor.
type Loop struct {
	dev       *device.Channel
	retry     *txslot.RetryEngine
	reg       *hub.Registry
	events    <-chan hub.Event
	clock     txslot.Clock
	logger    *slog.Logger
	maxEvents int
	idleSleep time.Duration
	sync      *SyncTimer
	syncEvery time.Duration
	state     atomic.Int32
	iters     atomic.Uint64
}

type Option func(*Loop)

func WithClock(c txslot.Clock) Option {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithSync enables the periodic sync frame; period <= 0 leaves it off.
func WithSync(period time.Duration) Option { return func(l *Loop) { l.syncEvery = period } }

func WithMaxEvents(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithIdleSleep makes Run pause for d after an iteration that found nothing to do.
func WithIdleSleep(d time.Duration) Option { return func(l *Loop) { l.idleSleep = d } }

// New wires the loop. retry must wrap the table dev allocates from.
func New(dev *device.Channel, retry *txslot.RetryEngine, reg *hub.Registry, events <-chan hub.Event, opts ...Option) *Loop {
	l := &Loop{
		dev:       dev,
		retry:     retry,
		reg:       reg,
		events:    events,
		clock:     txslot.SystemClock{},
		logger:    logging.For(logging.ComponentReactor),
		maxEvents: MaxEvents,
	}
	for _, o := range opts {
		o(l)
	}
	if l.syncEvery > 0 {
		l.sync = NewSyncTimer(l.syncEvery, l.clock.Now())
	}
	return l
}

// State reports where the loop currently is.
func (l *Loop) State() State { return State(l.state.Load()) }

// Iterations returns the number of completed steps.
func (l *Loop) Iterations() uint64 { return l.iters.Load() }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Step runs one iteration: drain the device, check for a fatal device error,
// sweep stale transmit slots, poll pending events without waiting, dispatch
// them, then service the sync timer. It reports whether anything happened.
func (l *Loop) Step() (bool, error) {
	if l.State() == Shutdown {
		return false, ErrShutdown
	}
	l.setState(Idle)
	n, err := l.dev.Drain(device.MaxRxRequests, func(f can.Frame) { l.reg.Broadcast(f) })
	if err != nil {
		return n > 0, l.fatal(err)
	}
	now := l.clock.Now()
	expired := l.retry.Sweep(now)

	l.setState(PollReady)
	batch := l.poll()
	if len(batch) > 0 {
		l.setState(Dispatch)
		for _, ev := range batch {
			if err := l.dispatch(ev); err != nil {
				return true, l.fatal(err)
			}
		}
	}
	synced := false
	if l.sync != nil {
		if f, ok := l.sync.Check(l.clock.Now()); ok {
			synced = true
			metrics.IncSync()
			if err := l.send(f); err != nil {
				return true, l.fatal(err)
			}
		}
	}
	l.setState(Idle)
	l.iters.Add(1)
	return n > 0 || len(expired) > 0 || len(batch) > 0 || synced, nil
}

// poll takes up to maxEvents queued events without blocking.
func (l *Loop) poll() []hub.Event {
	var batch []hub.Event
	for len(batch) < l.maxEvents {
		select {
		case ev, ok := <-l.events:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (l *Loop) dispatch(ev hub.Event) error {
	cl := ev.Client
	if cl == nil {
		return nil
	}
	switch ev.Kind {
	case hub.EventAccept:
		if err := l.reg.Add(cl); err != nil {
			metrics.IncHubReject()
			l.logger.Warn("client_rejected", "client", cl.ID, "remote", cl.Remote, "error", err)
			cl.Close()
		}
	case hub.EventEOF:
		l.reg.Remove(cl)
		cl.Close()
	case hub.EventData:
		if !l.reg.Contains(cl) {
			return nil
		}
		f, ok := l.reg.DeliverInbound(cl, ev.Data)
		if !ok {
			return nil
		}
		return l.send(f)
	}
	return nil
}

// send forwards f to the device. Only a vanished device is an error.
func (l *Loop) send(f can.Frame) error {
	err := l.dev.Send(f)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrNoDevice):
		return err
	case errors.Is(err, device.ErrTxBusy):
		l.logger.Warn("frame_dropped", "reason", "tx_busy", "frame", f)
	default:
		l.logger.Warn("frame_dropped", "reason", "device_error", "frame", f, "error", err)
	}
	return nil
}

func (l *Loop) fatal(err error) error {
	l.setState(Shutdown)
	l.logger.Error("reactor_shutdown", "error", err)
	return fmt.Errorf("%w: %w", ErrShutdown, err)
}

// Run steps until ctx is done or the device fails. A clean stop returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("reactor_start", "max_events", l.maxEvents, "sync", l.sync != nil)
	for {
		select {
		case <-ctx.Done():
			l.setState(Shutdown)
			l.logger.Info("reactor_stop", "iterations", l.iters.Load())
			return nil
		default:
		}
		worked, err := l.Step()
		if err != nil {
			return err
		}
		if !worked && l.idleSleep > 0 {
			t := time.NewTimer(l.idleSleep)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

package txslot

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
)

// ResendPolicy selects what happens to a frame whose echo never arrived.
type ResendPolicy int

const (
	// ResendNever releases the slot and drops the frame.
	ResendNever ResendPolicy = iota
	// ResendBackoff re-submits expired frames, paced by an exponential backoff.
	ResendBackoff
)

func (p ResendPolicy) String() string {
	if p == ResendBackoff {
		return "backoff"
	}
	return "never"
}

// ParseResendPolicy maps "never" and "backoff" to a policy.
func ParseResendPolicy(s string) (ResendPolicy, bool) {
	switch s {
	case "never", "":
		return ResendNever, true
	case "backoff":
		return ResendBackoff, true
	}
	return ResendNever, false
}

// RetryEngine reclaims slots whose echo is overdue.
type RetryEngine struct {
	table  *Table
	policy ResendPolicy
	resend func(can.Frame) error
	bo     *backoff.ExponentialBackOff
	queue  []can.Frame
	nextAt time.Time
	logger *slog.Logger
}

type RetryOption func(*RetryEngine)

func WithPolicy(p ResendPolicy) RetryOption { return func(r *RetryEngine) { r.policy = p } }

// WithResend sets the function used to re-submit frames under ResendBackoff.
func WithResend(fn func(can.Frame) error) RetryOption {
	return func(r *RetryEngine) { r.resend = fn }
}

// WithBackOff replaces the default pacing (10ms doubling to 1s, giving up after 10s).
func WithBackOff(b *backoff.ExponentialBackOff) RetryOption {
	return func(r *RetryEngine) {
		if b != nil {
			r.bo = b
		}
	}
}

func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *RetryEngine) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetryEngine wraps t. The default policy is ResendNever.
func NewRetryEngine(t *Table, opts ...RetryOption) *RetryEngine {
	r := &RetryEngine{table: t, logger: logging.For(logging.ComponentTxSlot)}
	for _, o := range opts {
		o(r)
	}
	if r.bo == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 10 * time.Millisecond
		bo.Multiplier = 2
		bo.MaxInterval = time.Second
		bo.MaxElapsedTime = 10 * time.Second
		r.bo = bo
	}
	r.bo.Clock = t.Clock()
	r.bo.Reset()
	return r
}

// Policy returns the active resend policy.
func (r *RetryEngine) Policy() ResendPolicy { return r.policy }

// Queued returns the number of frames waiting to be re-submitted.
func (r *RetryEngine) Queued() int { return len(r.queue) }

// Sweep releases every overdue slot and returns what was released.
func (r *RetryEngine) Sweep(now time.Time) []Expired {
	exp := r.table.SweepExpired(now)
	for _, e := range exp {
		r.logger.Warn("tx_echo_timeout", "echo_id", e.EchoID, "frame", e.Frame, "late", now.Sub(e.Deadline))
	}
	if len(exp) > 0 {
		metrics.AddExpired(len(exp))
	}
	if r.policy == ResendBackoff && r.resend != nil {
		r.schedule(now, exp)
	}
	metrics.SetSlotsInUse(r.table.InUse())
	return exp
}

func (r *RetryEngine) schedule(now time.Time, exp []Expired) {
	if len(exp) == 0 && len(r.queue) == 0 {
		if !r.nextAt.IsZero() {
			r.bo.Reset()
			r.nextAt = time.Time{}
		}
		return
	}
	for _, e := range exp {
		if len(r.queue) >= MaxSlots {
			r.logger.Warn("tx_resend_queue_full", "frame", e.Frame)
			continue
		}
		r.queue = append(r.queue, e.Frame)
	}
	if r.nextAt.IsZero() {
		r.advance(now)
		return
	}
	if now.Before(r.nextAt) {
		return
	}
	for len(r.queue) > 0 {
		f := r.queue[0]
		if err := r.resend(f); err != nil {
			if errors.Is(err, ErrBusy) {
				break
			}
			r.logger.Error("tx_resend_error", "frame", f, "error", err)
			r.queue = r.queue[1:]
			continue
		}
		r.queue = r.queue[1:]
		metrics.IncResend()
		r.logger.Debug("tx_resend", "frame", f)
	}
	r.advance(now)
}

// advance schedules the next resend window or gives up when the backoff is exhausted.
func (r *RetryEngine) advance(now time.Time) {
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		if len(r.queue) > 0 {
			r.logger.Warn("tx_resend_gave_up", "dropped", len(r.queue))
		}
		r.queue = r.queue[:0]
		r.bo.Reset()
		r.nextAt = time.Time{}
		return
	}
	r.nextAt = now.Add(d)
}

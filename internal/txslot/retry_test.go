package txslot

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

func fixedBackOff(initial, maxElapsed time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = maxElapsed
	return bo
}

func TestRetryReleaseOnly(t *testing.T) {
	clk := newClock()
	tb := New(8*time.Millisecond, clk)
	var resent int
	r := NewRetryEngine(tb, WithResend(func(can.Frame) error { resent++; return nil }))
	_, _ = tb.Allocate(can.NewFrame(0x10))
	clk.Advance(9 * time.Millisecond)
	exp := r.Sweep(clk.Now())
	if len(exp) != 1 {
		t.Fatalf("expected one expiry got %d", len(exp))
	}
	clk.Advance(time.Second)
	r.Sweep(clk.Now())
	if resent != 0 {
		t.Fatalf("default policy must not resend, got %d", resent)
	}
	if r.Policy() != ResendNever || r.Queued() != 0 {
		t.Fatalf("policy %v queued %d", r.Policy(), r.Queued())
	}
}

func TestRetryBackoffPacesResend(t *testing.T) {
	clk := newClock()
	tb := New(8*time.Millisecond, clk)
	var resent []can.Frame
	r := NewRetryEngine(tb,
		WithPolicy(ResendBackoff),
		WithBackOff(fixedBackOff(10*time.Millisecond, time.Minute)),
		WithResend(func(f can.Frame) error {
			resent = append(resent, f)
			_, err := tb.Allocate(f)
			return err
		}),
	)
	_, _ = tb.Allocate(can.NewFrame(0x42, 1))
	clk.Advance(9 * time.Millisecond)
	r.Sweep(clk.Now())
	if len(resent) != 0 || r.Queued() != 1 {
		t.Fatalf("resend must wait for backoff: resent=%d queued=%d", len(resent), r.Queued())
	}
	clk.Advance(5 * time.Millisecond)
	r.Sweep(clk.Now())
	if len(resent) != 0 {
		t.Fatalf("resent before backoff elapsed")
	}
	clk.Advance(5 * time.Millisecond)
	r.Sweep(clk.Now())
	if len(resent) != 1 || resent[0].CANID != 0x42 {
		t.Fatalf("expected one resend of 0x42, got %v", resent)
	}
	if tb.InUse() != 1 || r.Queued() != 0 {
		t.Fatalf("resent frame should hold a slot: in use %d queued %d", tb.InUse(), r.Queued())
	}
}

func TestRetryBackoffBusyKeepsQueue(t *testing.T) {
	clk := newClock()
	tb := New(8*time.Millisecond, clk)
	calls := 0
	r := NewRetryEngine(tb,
		WithPolicy(ResendBackoff),
		WithBackOff(fixedBackOff(time.Millisecond, time.Minute)),
		WithResend(func(can.Frame) error { calls++; return ErrBusy }),
	)
	_, _ = tb.Allocate(can.NewFrame(1))
	_, _ = tb.Allocate(can.NewFrame(2))
	clk.Advance(9 * time.Millisecond)
	r.Sweep(clk.Now())
	clk.Advance(2 * time.Millisecond)
	r.Sweep(clk.Now())
	if calls != 1 {
		t.Fatalf("busy should stop the resend burst after one call, got %d", calls)
	}
	if r.Queued() != 2 {
		t.Fatalf("frames should stay queued, got %d", r.Queued())
	}
}

func TestRetryBackoffGivesUp(t *testing.T) {
	clk := newClock()
	tb := New(8*time.Millisecond, clk)
	r := NewRetryEngine(tb,
		WithPolicy(ResendBackoff),
		WithBackOff(fixedBackOff(5*time.Millisecond, 20*time.Millisecond)),
		WithResend(func(can.Frame) error { return errors.New("device gone") }),
	)
	_, _ = tb.Allocate(can.NewFrame(1))
	clk.Advance(30 * time.Millisecond)
	r.Sweep(clk.Now())
	if r.Queued() != 0 {
		t.Fatalf("exhausted backoff should drop the queue, got %d", r.Queued())
	}
}

func TestParseResendPolicy(t *testing.T) {
	if p, ok := ParseResendPolicy("backoff"); !ok || p != ResendBackoff {
		t.Fatalf("backoff: %v %v", p, ok)
	}
	if p, ok := ParseResendPolicy("never"); !ok || p != ResendNever {
		t.Fatalf("never: %v %v", p, ok)
	}
	if _, ok := ParseResendPolicy("always"); ok {
		t.Fatalf("unknown policy accepted")
	}
}

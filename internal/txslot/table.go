// Package txslot tracks transmit requests that are waiting for the adapter to
// echo them back. The table is a fixed pool indexed by echo id; it is owned by
// a single goroutine and is not safe for concurrent use.
package txslot

import (
	"errors"
	"fmt"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

// MaxSlots is the number of concurrently outstanding transmits.
const MaxSlots = 10

// EchoNone is the echo id the adapter uses for frames that are not transmit echoes.
const EchoNone uint32 = 0xFFFFFFFF

// DefaultTimeout is how long a slot may wait for its echo.
const DefaultTimeout = 8 * time.Millisecond

// free marks an unused slot.
const free uint32 = MaxSlots

var (
	ErrBusy       = errors.New("txslot: no free transmit slot")
	ErrOutOfRange = errors.New("txslot: echo id out of range")
	ErrMismatch   = errors.New("txslot: echo id mismatch")
)

// Clock supplies monotonic time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Outcome is the result of Release.
type Outcome int

const (
	Ignored Outcome = iota
	OutOfRange
	Mismatch
	Released
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case OutOfRange:
		return "out_of_range"
	case Mismatch:
		return "mismatch"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Err maps protocol desync outcomes to sentinel errors; nil otherwise.
func (o Outcome) Err() error {
	switch o {
	case OutOfRange:
		return ErrOutOfRange
	case Mismatch:
		return ErrMismatch
	default:
		return nil
	}
}

type txContext struct {
	echoID   uint32
	deadline time.Time
	frame    can.Frame
}

// Expired describes a slot reclaimed by SweepExpired.
type Expired struct {
	EchoID   uint32
	Frame    can.Frame
	Deadline time.Time
}

// Table is the fixed pool of transmit contexts.
type Table struct {
	slots   [MaxSlots]txContext
	timeout time.Duration
	clock   Clock
	inUse   int
}

// New creates a table with every slot free. A zero timeout selects DefaultTimeout.
func New(timeout time.Duration, clock Clock) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	t := &Table{timeout: timeout, clock: clock}
	for i := range t.slots {
		t.slots[i].echoID = free
	}
	return t
}

// Timeout returns the echo timeout.
func (t *Table) Timeout() time.Duration { return t.timeout }

// Clock returns the table's time source.
func (t *Table) Clock() Clock { return t.clock }

// Allocate reserves the first free slot for f and returns its echo id.
func (t *Table) Allocate(f can.Frame) (uint32, error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.echoID != free {
			continue
		}
		s.echoID = uint32(i)
		s.deadline = t.clock.Now().Add(t.timeout)
		s.frame = f
		t.inUse++
		return s.echoID, nil
	}
	return free, ErrBusy
}

// Release frees the slot named by an echo from the adapter. Out of range and
// mismatched ids leave the table untouched.
func (t *Table) Release(echoID uint32) Outcome {
	if echoID == EchoNone {
		return Ignored
	}
	if echoID >= MaxSlots {
		return OutOfRange
	}
	s := &t.slots[echoID]
	if s.echoID != echoID {
		return Mismatch
	}
	t.clear(s)
	return Released
}

func (t *Table) clear(s *txContext) {
	s.echoID = free
	s.deadline = time.Time{}
	s.frame = can.Frame{}
	t.inUse--
}

// SweepExpired frees every in-use slot whose deadline is not after now.
func (t *Table) SweepExpired(now time.Time) []Expired {
	var out []Expired
	for i := range t.slots {
		s := &t.slots[i]
		if s.echoID == free || s.deadline.After(now) {
			continue
		}
		out = append(out, Expired{EchoID: s.echoID, Frame: s.frame, Deadline: s.deadline})
		t.clear(s)
	}
	return out
}

// InUse returns the number of slots awaiting an echo.
func (t *Table) InUse() int { return t.inUse }

// Pending reports whether echoID is currently allocated and returns its frame.
func (t *Table) Pending(echoID uint32) (can.Frame, bool) {
	if echoID >= MaxSlots || t.slots[echoID].echoID != echoID {
		return can.Frame{}, false
	}
	return t.slots[echoID].frame, true
}

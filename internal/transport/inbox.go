package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInboxEmpty is returned by Read when nothing arrived before the timeout.
	ErrInboxEmpty = errors.New("inbox empty")
	// ErrInboxClosed is returned by Read once the inbox is closed and drained.
	ErrInboxClosed = errors.New("inbox closed")
)

// Inbox is a bounded queue of packets produced by a backend goroutine and
// consumed with a timed Read, giving emulated bulk IN endpoints the same
// "wait at most this long" behavior as a USB transfer.
type Inbox struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 1
	}
	return &Inbox{ch: make(chan []byte, size), done: make(chan struct{})}
}

// Push queues p without blocking. It reports false when the inbox is full or closed.
func (in *Inbox) Push(p []byte) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.ch <- p:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Read waits up to timeout for the next packet.
func (in *Inbox) Read(timeout time.Duration) ([]byte, error) {
	select {
	case p := <-in.ch:
		return p, nil
	default:
	}
	if timeout <= 0 {
		select {
		case <-in.done:
			return nil, ErrInboxClosed
		default:
			return nil, ErrInboxEmpty
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-in.ch:
		return p, nil
	case <-in.done:
		return nil, ErrInboxClosed
	case <-t.C:
		return nil, ErrInboxEmpty
	}
}

// Len returns the number of queued packets.
func (in *Inbox) Len() int { return len(in.ch) }

// Dropped returns how many packets Push refused because the inbox was full.
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }

// Close wakes pending readers; later pushes are refused.
func (in *Inbox) Close() { in.once.Do(func() { close(in.done) }) }

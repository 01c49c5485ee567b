// Package hub keeps the table of connected TCP clients. A Registry is owned by
// a single goroutine (the reactor) and does no locking of its own.
package hub

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/wire"
)

// DefaultCapacity is the number of simultaneously registered clients.
const DefaultCapacity = 10

// ErrFull is returned by Add when every client slot is taken.
var ErrFull = errors.New("hub: client table full")

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop" and "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop", "":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

// Registry is a fixed-capacity, registration-ordered set of clients.
type Registry struct {
	slots  []*Client
	count  int
	Policy BackpressurePolicy
	codec  wire.Codec
	logger *slog.Logger
}

// NewRegistry creates a registry holding up to capacity clients.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		slots:  make([]*Client, capacity),
		logger: logging.For(logging.ComponentHub),
	}
}

// SetLogger replaces the registry logger.
func (r *Registry) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Capacity returns the maximum number of clients.
func (r *Registry) Capacity() int { return len(r.slots) }

// Count returns the number of registered clients.
func (r *Registry) Count() int { return r.count }

// Add registers c in the first free slot.
func (r *Registry) Add(c *Client) error {
	if r.Contains(c) {
		return nil
	}
	for i, s := range r.slots {
		if s != nil {
			continue
		}
		r.slots[i] = c
		r.count++
		metrics.SetHubClients(r.count)
		if r.count == 1 {
			r.logger.Info("clients_first_connected")
		}
		r.logger.Info("client_registered", "client", c.ID, "remote", c.Remote, "slot", i, "clients", r.count)
		return nil
	}
	return fmt.Errorf("%w (%d)", ErrFull, len(r.slots))
}

// Remove unregisters c; safe to call multiple times and for unknown clients.
func (r *Registry) Remove(c *Client) {
	for i, s := range r.slots {
		if s != c {
			continue
		}
		r.slots[i] = nil
		r.count--
		metrics.SetHubClients(r.count)
		r.logger.Info("client_removed", "client", c.ID, "remote", c.Remote, "clients", r.count)
		if r.count == 0 {
			r.logger.Info("clients_last_disconnected")
		}
		return
	}
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Client) bool {
	if c == nil {
		return false
	}
	for _, s := range r.slots {
		if s == c {
			return true
		}
	}
	return false
}

// Snapshot returns the registered clients in slot order.
func (r *Registry) Snapshot() []*Client {
	out := make([]*Client, 0, r.count)
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast queues fr to every client and returns how many accepted it. A full
// queue is a failed send for that client only; clients are never removed here.
func (r *Registry) Broadcast(fr can.Frame) int {
	sent := 0
	for _, c := range r.slots {
		if c == nil {
			continue
		}
		if c.IsClosed() {
			continue
		}
		select {
		case c.Out <- fr:
			sent++
		default:
			if r.Policy == PolicyKick {
				metrics.IncHubKick()
				r.logger.Warn("client_kicked", "client", c.ID, "remote", c.Remote)
				c.Close() // reader sees EOF and the reactor removes it
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	metrics.SetBroadcastFanout(sent)
	return sent
}

// DeliverInbound validates one read from c and decodes it. Reads that are
// not exactly one frame are framing errors and are discarded.
func (r *Registry) DeliverInbound(c *Client, raw []byte) (can.Frame, bool) {
	if len(raw) != wire.FrameSize {
		metrics.IncFraming()
		r.logger.Error("client_framing_error", "client", c.ID, "want", wire.FrameSize, "got", len(raw))
		return can.Frame{}, false
	}
	f, err := r.codec.Unmarshal(raw)
	if err != nil {
		metrics.IncMalformed()
		r.logger.Error("client_frame_invalid", "client", c.ID, "error", err)
		return can.Frame{}, false
	}
	metrics.IncTCPRx()
	return f, true
}

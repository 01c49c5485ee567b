// Package device drives the adapter's bulk endpoints: it turns inbound host
// frames into CAN frames (retiring transmit slots on echo) and outbound CAN
// frames into host frames (allocating a slot per transmit).
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/txslot"
)

// MaxRxRequests bounds the reads attempted per drain.
const MaxRxRequests = 30

// DefaultIOTimeout bounds a single bulk transfer.
const DefaultIOTimeout = time.Millisecond

// Bulk is the adapter's pair of bulk endpoints. Each call returns within the
// implementation's transfer timeout; a timeout is reported as ErrTimeout.
type Bulk interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// ReadResult classifies one read attempt.
type ReadResult int

const (
	// ReadNone means no data was available (timeout, busy, recoverable error).
	ReadNone ReadResult = iota
	// ReadDropped means a host frame arrived but must not be forwarded.
	ReadDropped
	// ReadFrame means a CAN frame is ready for broadcast.
	ReadFrame
)

func (r ReadResult) String() string {
	switch r {
	case ReadDropped:
		return "dropped"
	case ReadFrame:
		return "frame"
	default:
		return "none"
	}
}

// Channel couples the bulk endpoints with the transmit slot table.
type Channel struct {
	bulk      Bulk
	table     *txslot.Table
	threshold uint32
	logger    *slog.Logger
	rx        [gsusb.HostFrameSize]byte
	tx        [gsusb.HostFrameSize]byte
}

type Option func(*Channel)

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExtThreshold sets the largest identifier sent without the extended flag.
func WithExtThreshold(v uint32) Option { return func(c *Channel) { c.threshold = v } }

func New(b Bulk, t *txslot.Table, opts ...Option) *Channel {
	c := &Channel{
		bulk:      b,
		table:     t,
		threshold: gsusb.DefaultExtThreshold,
		logger:    logging.For(logging.ComponentDevice),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Table exposes the slot table the channel allocates from.
func (c *Channel) Table() *txslot.Table { return c.table }

// TryReadOne performs a single bounded read. The returned error is non-nil
// only when the device is gone.
func (c *Channel) TryReadOne() (can.Frame, ReadResult, error) {
	c.rx = [gsusb.HostFrameSize]byte{}
	n, err := c.bulk.Read(c.rx[:])
	if err != nil {
		switch {
		case errors.Is(err, ErrNoDevice):
			c.logger.Error("device_gone", "error", err)
			return can.Frame{}, ReadNone, err
		case soft(err):
		default:
			metrics.IncError(metrics.ErrDeviceRead)
			c.logger.Warn("device_read_error", "error", err)
		}
		return can.Frame{}, ReadNone, nil
	}
	if n != gsusb.HostFrameSize {
		metrics.IncMalformed()
		c.logger.Error("device_read_size_mismatch", "want", gsusb.HostFrameSize, "got", n, "raw", fmt.Sprintf("% x", c.rx[:n]))
		return can.Frame{}, ReadDropped, nil
	}
	h, _ := gsusb.Unmarshal(c.rx[:])
	f := gsusb.Decode(h)
	if f.IsError() {
		metrics.IncErrorFrame()
		info, _ := can.DescribeError(f)
		c.logger.Error("can_error_frame", "state", info.String(), "tx_errors", info.TxErrors, "rx_errors", info.RxErrors, "host", h.String())
		return can.Frame{}, ReadDropped, nil
	}
	if h.Malformed() {
		metrics.IncMalformed()
		c.logger.Error("device_frame_malformed", "host", h.String())
		return can.Frame{}, ReadDropped, nil
	}
	switch out := c.table.Release(h.EchoID); out {
	case txslot.Released:
		metrics.IncEcho(metrics.EchoReleased)
		c.logger.Debug("tx_echo", "echo_id", h.EchoID, "frame", f)
	case txslot.Ignored:
		c.logger.Debug("rx_frame", "frame", f)
	case txslot.OutOfRange:
		metrics.IncEcho(metrics.EchoOutOfRange)
		c.logger.Error("echo_out_of_range", "echo_id", h.EchoID, "host", h.String())
	case txslot.Mismatch:
		metrics.IncEcho(metrics.EchoMismatch)
		c.logger.Error("echo_mismatch", "echo_id", h.EchoID, "host", h.String())
	}
	metrics.IncDeviceRx()
	return f, ReadFrame, nil
}

// Send allocates a slot for f and writes it to the device. Busy and timeout
// results from the device are soft: the slot stays pending and either gets
// echoed or expires. ErrTxBusy means no slot was free and nothing was written.
func (c *Channel) Send(f can.Frame) error {
	echoID, err := c.table.Allocate(f)
	if err != nil {
		metrics.IncSlotBusy()
		c.logger.Warn("tx_slot_busy", "frame", f)
		return err
	}
	metrics.SetSlotsInUse(c.table.InUse())
	h := gsusb.Encode(f, echoID, c.threshold)
	_ = h.MarshalTo(c.tx[:])
	n, err := c.bulk.Write(c.tx[:])
	if err != nil {
		switch {
		case errors.Is(err, ErrNoDevice):
			c.logger.Error("device_gone", "error", err)
			return err
		case errors.Is(err, ErrTimeout):
			c.logger.Warn("device_write_timeout", "echo_id", echoID, "frame", f)
			return nil
		case errors.Is(err, ErrBusy):
			metrics.IncError(metrics.ErrDeviceOverflow)
			c.logger.Warn("device_write_busy", "echo_id", echoID, "frame", f)
			return nil
		default:
			metrics.IncError(metrics.ErrDeviceWrite)
			c.logger.Error("device_write_error", "echo_id", echoID, "host", h.String(), "error", err)
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	if n != gsusb.HostFrameSize {
		metrics.IncError(metrics.ErrDeviceWrite)
		c.logger.Error("device_write_size_mismatch", "want", gsusb.HostFrameSize, "got", n, "host", h.String())
		return nil
	}
	metrics.IncDeviceTx()
	c.logger.Debug("tx_queued", "echo_id", echoID, "frame", f)
	return nil
}

// Drain reads until the device has nothing more, max attempts were made, or
// the device is gone. fn receives every frame to forward.
func (c *Channel) Drain(max int, fn func(can.Frame)) (int, error) {
	if max <= 0 {
		max = MaxRxRequests
	}
	var forwarded int
	for i := 0; i < max; i++ {
		f, res, err := c.TryReadOne()
		if err != nil {
			return forwarded, err
		}
		if res == ReadNone {
			break
		}
		if res == ReadFrame {
			forwarded++
			if fn != nil {
				fn(f)
			}
		}
	}
	return forwarded, nil
}

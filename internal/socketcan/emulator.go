// Package socketcan emulates a gs_usb adapter on top of a Linux SocketCAN
// interface, so the bridge can run against vcan/can interfaces without USB
// hardware. Frames written by the host go to the socket and are echoed back
// with their echo id once sent; frames seen on the bus arrive as non-echo
// host frames.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/transport"
)

var (
	// ErrTxOverflow reports a full transmit queue; it classifies as device.ErrBusy.
	ErrTxOverflow = fmt.Errorf("socketcan tx overflow: %w", device.ErrBusy)
	// ErrReadTimeout means the socket had nothing within its receive timeout.
	ErrReadTimeout = errors.New("socketcan: read timeout")
	// ErrDeviceGone means the interface disappeared or the socket was closed.
	ErrDeviceGone = errors.New("socketcan: device gone")
)

// Dev is the minimal interface needed by the emulator and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Options tune the emulated bulk pair.
type Options struct {
	IOTimeout time.Duration
	TxQueue   int
	RxQueue   int
	Logger    *slog.Logger
}

// Emulator is a device.Bulk backed by a SocketCAN Dev.
type Emulator struct {
	dev     Dev
	inbox   *transport.Inbox
	tx      *TXWriter
	timeout time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	once    sync.Once
}

// NewEmulator starts the RX goroutine and TX writer over dev.
func NewEmulator(parent context.Context, dev Dev, o Options) *Emulator {
	if o.IOTimeout <= 0 {
		o.IOTimeout = device.DefaultIOTimeout
	}
	if o.TxQueue <= 0 {
		o.TxQueue = 1024
	}
	if o.RxQueue <= 0 {
		o.RxQueue = 1024
	}
	if o.Logger == nil {
		o.Logger = logging.For(logging.ComponentCAN)
	}
	ctx, cancel := context.WithCancel(parent)
	e := &Emulator{
		dev:     dev,
		inbox:   transport.NewInbox(o.RxQueue),
		timeout: o.IOTimeout,
		cancel:  cancel,
		logger:  o.Logger,
	}
	e.tx = NewTXWriter(ctx, dev, o.TxQueue, e.echo)
	e.wg.Add(1)
	go e.rxLoop(ctx)
	return e
}

// echo reports a sent frame back to the host, as the adapter does.
func (e *Emulator) echo(h gsusb.HostFrame) { e.push(h) }

func (e *Emulator) push(h gsusb.HostFrame) {
	raw := h.Marshal()
	if !e.inbox.Push(raw[:]) {
		metrics.IncError(metrics.ErrSocketCANDrop)
	}
}

func (e *Emulator) rxLoop(ctx context.Context) {
	defer e.wg.Done()
	defer e.inbox.Close()
	defer e.logger.Info("socketcan_rx_end")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var f can.Frame
		if err := e.dev.ReadFrame(&f); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if errors.Is(err, ErrDeviceGone) {
				e.logger.Error("socketcan_device_gone", "error", err)
				return
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			e.logger.Warn("socketcan_read_error", "error", err)
			continue
		}
		e.push(gsusb.Encode(f, gsusb.EchoNone, gsusb.DefaultExtThreshold))
	}
}

// Read returns the next host frame (echo or bus traffic) within the I/O timeout.
func (e *Emulator) Read(p []byte) (int, error) {
	pkt, err := e.inbox.Read(e.timeout)
	switch {
	case err == nil:
		return copy(p, pkt), nil
	case errors.Is(err, transport.ErrInboxClosed):
		return 0, device.ErrNoDevice
	default:
		return 0, device.ErrTimeout
	}
}

// Write decodes one host frame and queues it for the socket.
func (e *Emulator) Write(p []byte) (int, error) {
	h, err := gsusb.Unmarshal(p)
	if err != nil {
		return 0, err
	}
	if err := e.tx.Send(h); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return 0, device.ErrNoDevice
		}
		return 0, err
	}
	return len(p), nil
}

// Close stops both directions and closes the socket (idempotent).
func (e *Emulator) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		e.tx.Close()
		err = e.dev.Close()
		e.inbox.Close()
		e.wg.Wait()
	})
	return err
}

var _ device.Bulk = (*Emulator)(nil)

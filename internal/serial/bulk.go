// Package serial tunnels gs_usb host frames over a UART (tarm/serial) and
// presents the link as a device.Bulk.
package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/transport"
)

const (
	readBufSize = 4096
	// largeBufferReclaimThreshold is the capacity above which the RX
	// accumulator is reallocated once drained.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

// sleepFn allows tests to intercept RX error backoff sleeps.
var sleepFn = time.Sleep

// Options tune the UART bulk pair.
type Options struct {
	IOTimeout time.Duration // Read waits at most this long
	TxQueue   int
	RxQueue   int
	Logger    *slog.Logger
}

// Bulk is a device.Bulk over a serial port.
type Bulk struct {
	port    Port
	codec   Codec
	inbox   *transport.Inbox
	tx      *TXWriter
	timeout time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	once    sync.Once
}

// NewBulk starts the RX goroutine and TX writer over port.
func NewBulk(parent context.Context, port Port, o Options) *Bulk {
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
		o.Logger = logging.For(logging.ComponentSerial)
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Bulk{
		port:    port,
		inbox:   transport.NewInbox(o.RxQueue),
		timeout: o.IOTimeout,
		cancel:  cancel,
		logger:  o.Logger,
	}
	b.tx = NewTXWriter(ctx, port, b.codec, o.TxQueue)
	b.wg.Add(1)
	go b.rxLoop(ctx)
	return b
}

func newRxBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rxBackoffMin
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = rxBackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// rxLoop decodes envelopes into the inbox. A fatal port error closes the
// inbox so readers see the device as gone.
func (b *Bulk) rxLoop(ctx context.Context) {
	defer b.wg.Done()
	defer b.inbox.Close()
	defer b.logger.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	bo := newRxBackOff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = b.codec.DecodeStream(acc, func(host []byte) {
				if !b.inbox.Push(host) {
					metrics.IncError(metrics.ErrSerialRxDrop)
				}
			})
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			bo.Reset()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
				b.logger.Error("serial_port_gone", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout
			}
			d := bo.NextBackOff()
			metrics.IncError(metrics.ErrSerialRead)
			b.logger.Warn("serial_read_error", "error", err, "backoff", d)
			sleepFn(d)
		}
	}
}

// Read returns the next host frame received within the I/O timeout.
func (b *Bulk) Read(p []byte) (int, error) {
	pkt, err := b.inbox.Read(b.timeout)
	switch {
	case err == nil:
		return copy(p, pkt), nil
	case errors.Is(err, transport.ErrInboxClosed):
		return 0, device.ErrNoDevice
	default:
		return 0, device.ErrTimeout
	}
}

// Write queues one host frame for the UART; a full queue is device.ErrBusy.
func (b *Bulk) Write(p []byte) (int, error) {
	host := append([]byte(nil), p...)
	if err := b.tx.Send(host); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return 0, device.ErrNoDevice
		}
		return 0, err
	}
	return len(p), nil
}

// Close stops both directions and closes the port (idempotent).
func (b *Bulk) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.port.Close() // unblocks a writer stuck on the port
		b.tx.Close()
		b.inbox.Close()
		b.wg.Wait()
	})
	return err
}

var _ device.Bulk = (*Bulk)(nil)

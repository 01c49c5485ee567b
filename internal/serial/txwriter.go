package serial

import (
	"context"
	"fmt"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/transport"
)

// ErrTxOverflow reports a full transmit queue; it classifies as device.ErrBusy.
var ErrTxOverflow = fmt.Errorf("serial tx overflow: %w", device.ErrBusy)

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx[[]byte] }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(host []byte) error {
		_, err := sp.Write(codec.Encode(host))
		return err
	}
	hooks := transport.Hooks[[]byte]{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.For(logging.ComponentSerial).Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues one host frame (drops with ErrTxOverflow if the buffer is full).
func (w *TXWriter) Send(host []byte) error { return w.base.Send(host) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }

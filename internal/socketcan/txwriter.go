package socketcan

import (
	"context"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/transport"
)

// TXWriter funnels all SocketCAN writes through a single goroutine. onSent
// runs after each frame reached the socket.
type TXWriter struct{ base *transport.AsyncTx[gsusb.HostFrame] }

// NewTXWriter creates a SocketCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int, onSent func(gsusb.HostFrame)) *TXWriter {
	send := func(h gsusb.HostFrame) error { return dev.WriteFrame(gsusb.Decode(h)) }
	hooks := transport.Hooks[gsusb.HostFrame]{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.For(logging.ComponentCAN).Warn("socketcan_write_error", "error", err)
		},
		OnAfter: onSent,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues a host frame for the socket (drops with ErrTxOverflow if the buffer is full).
func (w *TXWriter) Send(h gsusb.HostFrame) error { return w.base.Send(h) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }

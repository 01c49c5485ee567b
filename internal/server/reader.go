package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/wire"
)

// startReader posts one EventData per wire frame read from conn. A trailing
// partial frame is posted as-is so the registry reports the framing error.
// The goroutine always finishes by posting EventEOF.
func (s *Server) startReader(ctx context.Context, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(cl)
		defer func() {
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
			s.post(ctx, hub.Event{Kind: hub.EventEOF, Client: cl})
		}()
		for {
			buf := make([]byte, wire.FrameSize)
			n, err := io.ReadFull(conn, buf)
			if n > 0 {
				s.totalFrames.Add(1)
				if !s.post(ctx, hub.Event{Kind: hub.EventData, Client: cl, Data: buf[:n]}) {
					return
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || cl.IsClosed() {
				return
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			logger.Warn("client_read_error", "error", err)
			return
		}
	}()
}

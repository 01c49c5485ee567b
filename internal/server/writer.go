package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
)

// startWriter launches the goroutine pushing queued frames to a single client
// connection. A write failure closes the client; the reader then reports EOF.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_, err := s.Codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		fail := func(err error) {
			logger.Warn("client_write_error", "error", err)
			cl.Close()
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						fail(err)
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					fail(err)
					return
				}
			case <-cl.Closed:
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

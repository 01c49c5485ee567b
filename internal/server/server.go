// Package server accepts TCP clients and turns their connections into
// hub.Events. It never touches the client registry or the device: every
// accept, read and disconnect is posted to the event queue for the reactor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/transport"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/wire"
)

// DefaultPort is the TCP port clients connect to.
const DefaultPort = 2303

// Server owns the TCP listener and the per-connection goroutines.
type Server struct {
	mu     sync.RWMutex
	addr   string
	events chan<- hub.Event
	Codec  transport.FrameBatchEncoder

	flushInterval     time.Duration
	batchSize         int
	outBuf            int
	readyOnce         sync.Once
	readyCh           chan struct{}
	lastErrMu         sync.Mutex
	lastErr           error
	errCh             chan error
	listener          net.Listener
	clientsMu         sync.Mutex
	clients           map[*hub.Client]struct{}
	wg                sync.WaitGroup
	logger            *slog.Logger
	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalDisconnected atomic.Uint64
	totalFrames       atomic.Uint64
}

const (
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchSize     = 64
	defaultOutBuf        = 512
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		Codec:         wire.Codec{},
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		outBuf:        defaultOutBuf,
		readyCh:       make(chan struct{}),
		errCh:         make(chan error, 1),
		clients:       make(map[*hub.Client]struct{}),
		logger:        logging.For(logging.ComponentServer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = fmt.Sprintf(":%d", DefaultPort)
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }

// WithEvents sets the queue accept/data/EOF events are posted to.
func WithEvents(ch chan<- hub.Event) ServerOption { return func(s *Server) { s.events = ch } }

func WithCodec(c transport.FrameBatchEncoder) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.Codec = c
		}
	}
}

// WithOutBuffer sets each client's outbound queue size.
func WithOutBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.outBuf = n
		}
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve listens and accepts clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.events == nil {
		return fmt.Errorf("%w: no event queue", ErrListen)
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, announces it and spawns its IO goroutines.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok {
			metrics.IncError(metrics.ErrTCPAccept)
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	id := atomic.AddUint64(&s.nextConnID, 1)
	remote := conn.RemoteAddr().String()
	connLogger := s.logger.With("conn_id", id, "remote", remote)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	cl := hub.NewClient(id, remote, conn, s.outBuf)
	s.clientsMu.Lock()
	s.clients[cl] = struct{}{}
	s.clientsMu.Unlock()
	if !s.post(ctx, hub.Event{Kind: hub.EventAccept, Client: cl}) {
		cl.Close()
		s.forget(cl)
		return context.Canceled
	}
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, connLogger)
	s.startReader(ctx, conn, cl, connLogger)
	return nil
}

// post blocks until the reactor has room for ev or ctx ends.
func (s *Server) post(ctx context.Context, ev hub.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
}

// Stats returns accept/disconnect/frame totals since start.
func (s *Server) Stats() (accepted, disconnected, frames uint64) {
	return s.totalAccepted.Load(), s.totalDisconnected.Load(), s.totalFrames.Load()
}

// Shutdown closes the listener and every connection, then waits for the IO goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl := range s.clients {
		cl.Close()
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "disconnected", s.totalDisconnected.Load(), "frames", s.totalFrames.Load())
		return nil
	}
}

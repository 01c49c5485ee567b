package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/reactor"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/server"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/txslot"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/wire"
)

// Helper implementations live in dedicated files: version.go, config.go, logger.go,
// registry_init.go, metrics_logger.go, mdns.go, backend*.go.

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	cfg, showVersion, err := parseConfig(args, os.Stdout)
	if showVersion {
		fmt.Printf("usb2can %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if errors.Is(err, errUsage) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	reg := initRegistry(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	bulk, err := initBackend(ctx, cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return 1
	}
	defer func() { _ = bulk.Close() }()

	table := txslot.New(cfg.txTimeout, txslot.SystemClock{})
	ch := device.New(bulk, table,
		device.WithLogger(l.With("component", "device")),
		device.WithExtThreshold(uint32(cfg.extThreshold)),
	)
	policy, _ := txslot.ParseResendPolicy(cfg.resend)
	retry := txslot.NewRetryEngine(table,
		txslot.WithPolicy(policy),
		txslot.WithResend(ch.Send),
		txslot.WithRetryLogger(l.With("component", "txslot")),
	)

	events := make(chan hub.Event, eventQueueSize)
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithEvents(events),
		server.WithCodec(wire.Codec{}),
		server.WithOutBuffer(cfg.clientBuffer),
		server.WithLogger(l.With("component", "server")),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	loop := reactor.New(ch, retry, reg, events,
		reactor.WithLogger(l.With("component", "reactor")),
		reactor.WithSync(cfg.syncPeriod),
		reactor.WithIdleSleep(cfg.idleSleep),
	)
	runErr := loop.Run(ctx)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("tcp_server_shutdown", "error", err)
	}
	wg.Wait()
	if runErr != nil {
		l.Error("exit", "error", runErr)
		return 1
	}
	return 0
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

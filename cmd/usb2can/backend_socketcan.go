package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
	d, err := socketcan.Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// initSocketCANBackend emulates an adapter on a SocketCAN interface.
// Non-linux builds fail here with socketcan.ErrUnsupported.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (bulkDevice, error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	return socketcan.NewEmulator(ctx, dev, socketcan.Options{
		IOTimeout: cfg.ioTimeout,
		TxQueue:   txQueueSize,
		RxQueue:   rxQueueSize,
		Logger:    l.With("component", "socketcan"),
	}), nil
}

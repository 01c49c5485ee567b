package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/serial"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the UART and starts its RX loop and TX writer.
func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (bulkDevice, error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	return serial.NewBulk(ctx, sp, serial.Options{
		IOTimeout: cfg.ioTimeout,
		TxQueue:   txQueueSize,
		RxQueue:   rxQueueSize,
		Logger:    l.With("component", "serial"),
	}), nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
)

// bulkDevice is what every backend hands to the device channel.
type bulkDevice interface {
	device.Bulk
	io.Closer
}

// initBackend opens the selected backend. It returns an error instead of
// exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (bulkDevice, error) {
	switch cfg.backend {
	case "usb":
		return initUSBBackend(cfg, l)
	case "serial":
		return initSerialBackend(ctx, cfg, l)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, l)
	default:
		return nil, fmt.Errorf("unknown backend %q (use usb|serial|socketcan)", cfg.backend)
	}
}

package main

import (
	"fmt"
	"log/slog"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/usb"
)

// openUSBDevice is a hook for tests (overridden in unit tests).
var openUSBDevice = func(o usb.Options) (bulkDevice, error) {
	d, err := usb.Open(o)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func initUSBBackend(cfg *appConfig, l *slog.Logger) (bulkDevice, error) {
	rate, err := gsusb.LookupRate(cfg.bitrate)
	if err != nil {
		return nil, err
	}
	d, err := openUSBDevice(usb.Options{
		Index:     cfg.deviceIndex,
		Channel:   uint16(cfg.channel),
		Rate:      rate,
		IOTimeout: cfg.ioTimeout,
		Logger:    l.With("component", "usb"),
	})
	if err != nil {
		return nil, fmt.Errorf("open usb adapter %d: %w", cfg.deviceIndex, err)
	}
	return d, nil
}

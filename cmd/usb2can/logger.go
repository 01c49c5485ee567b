package main

import (
	"log/slog"
	"os"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "usb2can")
	logging.Set(l)
	return l
}

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"device_rx", snap.DeviceRx,
					"device_tx", snap.DeviceTx,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"slot_busy", snap.SlotBusy,
					"slots_in_use", snap.SlotsInUse,
					"echo_mismatch", snap.Mismatch,
					"echo_out_of_range", snap.OutOfRange,
					"expired", snap.Expired,
					"clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

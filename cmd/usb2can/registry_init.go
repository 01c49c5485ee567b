package main

import (
	"log/slog"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
)

func initRegistry(cfg *appConfig, l *slog.Logger) *hub.Registry {
	r := hub.NewRegistry(cfg.maxClients)
	r.SetLogger(l.With("component", "hub"))
	p, ok := hub.ParsePolicy(cfg.clientPolicy)
	if !ok {
		l.Warn("unknown_client_policy", "policy", cfg.clientPolicy, "used", "drop")
		p = hub.PolicyDrop
	}
	r.Policy = p
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", p.String(), "capacity", r.Capacity(), "buffer", cfg.clientBuffer)
	return r
}

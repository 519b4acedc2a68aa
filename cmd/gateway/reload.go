package main

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/config"
	"github.com/fabian4/gateway-core-go/internal/logging"
)

// reloader re-reads the config and swaps in a new route table. A failed
// load or route validation leaves everything in place.
type reloader struct {
	app  *application
	load func() (*config.Config, error)

	mu          sync.Mutex
	fingerprint uint64
}

func newReloader(app *application, load func() (*config.Config, error), current *config.Config) *reloader {
	return &reloader{app: app, load: load, fingerprint: current.Fingerprint}
}

// reload returns true when a new config was installed.
func (r *reloader) reload() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.app.logger
	cfg, err := r.load()
	if err != nil {
		r.app.metrics.IncReload(false)
		log.Error("config reload failed; keeping previous config", zap.Error(err))
		return false
	}
	if cfg.Fingerprint == r.fingerprint {
		log.Debug("config unchanged; skipping reload")
		return false
	}
	table, err := loadRoutes(cfg)
	if err != nil {
		r.app.metrics.IncReload(false)
		log.Error("route table rejected; keeping previous routes", zap.Error(err))
		return false
	}

	// transports and pools first so no new route can reference a missing one
	registerServiceTransports(r.app.transports, cfg.Services)
	r.app.pools.Rebuild(cfg.Services)
	r.app.gateway.Update(settings(cfg))
	r.app.routes.Swap(table)
	r.app.checker.SetServices(cfg.Services)

	keep := make(map[string]struct{}, table.Len())
	for _, rt := range table.Routes() {
		keep[rt.Name] = struct{}{}
	}
	r.app.exec.Retain(keep)

	if err := logging.SetLevel(r.app.level, cfg.Logging.Level); err != nil {
		log.Warn("ignoring log level", zap.Error(err))
	}
	r.fingerprint = cfg.Fingerprint
	r.app.metrics.IncReload(true)
	log.Info("config reloaded",
		zap.Int("routes", table.Len()),
		zap.Int("services", len(cfg.Services)),
		zap.Strings("files", cfg.Files),
	)
	return true
}

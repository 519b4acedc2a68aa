package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fabian4/gateway-core-go/internal/config"
	"github.com/fabian4/gateway-core-go/internal/logging"
	"github.com/fabian4/gateway-core-go/internal/version"
)

func serve(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := config.ReadEnv()
	if err != nil {
		return err
	}
	load := func() (*config.Config, error) { return config.LoadWithEnv(path, env) }
	c, err := load()
	if err != nil {
		return err
	}

	logger, level, err := logging.New(logging.Config{
		Level:  c.Logging.Level,
		Format: logging.Format(c.Logging.Format),
		Output: c.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(c, logger, level)
	if err != nil {
		return err
	}
	rl := newReloader(app, load, c)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.checker.Start(ctx)
	defer app.checker.Stop()

	watched := []string{path}
	if op := config.OverlayPath(path, env.Environment); op != "" {
		watched = append(watched, op)
	}
	watcher, err := config.NewWatcher(watched, func() { rl.reload() }, config.WithWatcherLogger(logger.Named("config")))
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		watcher.Start(ctx)
		defer func() { _ = watcher.Stop() }()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received; reloading config")
				rl.reload()
			}
		}
	}()

	var h http.Handler = app.mux()
	if c.Listen.H2C {
		h = h2c.NewHandler(h, &http2.Server{})
	}
	srv := &http.Server{
		Addr:              c.Listen.Address,
		Handler:           h,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: c.Timeouts.ReadHeader,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       c.Timeouts.Idle,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	logger.Info("gateway listening",
		zap.String("version", version.String()),
		zap.String("address", c.Listen.Address),
		zap.Bool("h2c", c.Listen.H2C),
		zap.Int("routes", len(c.Routes)),
		zap.Int("services", len(c.Services)),
		zap.Strings("files", c.Files),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("listen failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", c.Timeouts.Shutdown))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Timeouts.Shutdown)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	app.transports.CloseIdle()
	if err != nil {
		logger.Error("graceful shutdown incomplete", zap.Error(err))
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/api"
	"github.com/shehryarbajwa/wdbridge/internal/config"
	"github.com/shehryarbajwa/wdbridge/internal/device"
	"github.com/shehryarbajwa/wdbridge/internal/driver"
	"github.com/shehryarbajwa/wdbridge/internal/idempotency"
	"github.com/shehryarbajwa/wdbridge/internal/logging"
	"github.com/shehryarbajwa/wdbridge/internal/proxy"
	"github.com/shehryarbajwa/wdbridge/internal/ratelimit"
	"github.com/shehryarbajwa/wdbridge/internal/session"
	"github.com/shehryarbajwa/wdbridge/internal/upstream"
)

// version is stamped at build time
var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wdbridge: %v\n", err)
		os.Exit(2)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wdbridge: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting wdbridge...", zap.String("version", version))

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix: cfg.Metrics.Prefix,
		Tags: map[string]string{
			"service": "wdbridge",
		},
	}, cfg.Metrics.Interval)
	defer closer.Close()

	drivers, err := driver.NewRegistry(driver.DefaultName, driver.Builtin()...)
	if err != nil {
		return err
	}
	logger.Info("driver registry initialized", zap.Strings("drivers", drivers.Names()))

	var launcher session.Launcher
	dockerLauncher, err := upstream.NewLauncher(logger, scope)
	if err != nil {
		logger.Warn("containerised upstreams disabled", zap.Error(err))
	} else {
		defer dockerLauncher.Close()
		launcher = dockerLauncher
		if cfg.Upstream.Pull {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			err := dockerLauncher.EnsureImage(ctx, cfg.Upstream.Image)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to ensure upstream image: %w", err)
			}
			logger.Info("upstream image ready", zap.String("image", cfg.Upstream.Image))
		}
	}

	bridge := device.NewADB(cfg.Device.ADBPath, logger)
	restarts := ratelimit.NewLimiter(cfg.Device.RestartsPerHour, cfg.Device.RestartBurst)
	devices := session.NewDeviceFactory(bridge, device.Config{
		LocalPort:       cfg.Device.LocalPort,
		RemotePort:      cfg.Device.RemotePort,
		ShutdownTimeout: cfg.Device.ShutdownTimeout,
	}, restarts, logger, scope)

	sessionMgr := session.NewManager(session.Config{
		BasePath:          cfg.BasePath,
		SessionOverride:   cfg.SessionOverride,
		NewCommandTimeout: cfg.NewCommandTimeout,
		ReadyTimeout:      cfg.Device.ReadyTimeout,
		UpstreamImage:     cfg.Upstream.Image,
		Proxy: proxy.Config{
			Scheme:  cfg.Proxy.Scheme,
			Server:  cfg.Proxy.Server,
			Port:    cfg.Proxy.Port,
			Base:    cfg.Proxy.Base,
			Timeout: cfg.Proxy.Timeout,
		},
	}, drivers, devices, launcher, logger, scope)

	cache := idempotency.New(idempotency.Options{
		Size:     cfg.Idempotency.Size,
		TTL:      cfg.Idempotency.TTL,
		MaxBytes: cfg.Idempotency.MaxBytes,
		Logger:   logger,
		Stats:    scope,
	})

	handler := api.NewHandler(sessionMgr, proxy.NewBiDi(logger, scope), cache, api.Options{
		BasePath: cfg.BasePath,
		Version:  version,
	}, logger, scope)

	// No write timeout: proxied commands and websocket relays outlive it
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("address", cfg.Address), zap.String("basePath", cfg.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server gracefully", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	if err := sessionMgr.Close(ctx); err != nil {
		logger.Warn("failed to end active session", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
	return nil
}

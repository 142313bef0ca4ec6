package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/rtrelay/internal/app"
	"github.com/ent0n29/rtrelay/internal/config"
	"github.com/ent0n29/rtrelay/internal/observability"
)

func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadWithFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	return cfg, nil
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.InitLogger("rtrelay", cfg.LogLevel, cfg.LogFormat)

	if parent == nil {
		parent = context.Background()
	}
	runCtx, runCancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer runCancel()

	built, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()
	built.StartJanitors(runCtx, logger)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.BindAddr).
			Str("event_log", built.Events.Backend()).
			Str("token_store", built.Tokens.Backend()).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err, ok := <-listenErr:
		if ok {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	case <-runCtx.Done():
	}
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Relay.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("relay sessions did not drain")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

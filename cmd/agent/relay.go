package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openclaw/internal/adapter/transport"
	"openclaw/internal/infra/config"
	"openclaw/internal/infra/logger"
	"openclaw/internal/infra/middleware"
)

// runRelay serves the websocket relay that carries mesh traffic between
// agents which cannot reach each other directly.
func runRelay() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	addr := os.Getenv("OPENCLAW_RELAY_ADDR")
	if addr == "" {
		addr = ":8473"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var handler http.Handler = transport.NewRelay(log)
	handler = middleware.ConnLimit(ctx, 120, 20)(handler)
	handler = middleware.RequireToken(os.Getenv("OPENCLAW_RELAY_TOKEN"))(handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

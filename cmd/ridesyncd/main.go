package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/engine"
	"github.com/example/ride-sync/internal/httpapi"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/transport"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", ".env", "optional env file loaded before the environment")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := httpapi.NewFeed(64)
	rt, err := engine.Build(ctx, cfg, feed, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(rt.Engine, feed, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ui bridge listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ui bridge stopped", "error", err)
			stop()
		}
	}()

	logger.Info("ride-sync starting", "user_id", cfg.UserID, "role", cfg.Role, "server", cfg.ServerURL)
	runErr := rt.Run(ctx)
	switch {
	case errors.Is(runErr, transport.ErrSuspended), errors.Is(runErr, transport.ErrAuthFailed):
		// keep serving so the UI can show the signed-out state
		logger.Warn("session closed, waiting for shutdown", "error", runErr)
		<-ctx.Done()
		runErr = nil
	case runErr != nil:
		logger.Error("session ended", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ui bridge shutdown", "error", err)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("runtime shutdown", "error", err)
	}
	logger.Info("ride-sync stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

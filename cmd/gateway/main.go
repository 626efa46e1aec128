package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/stockwatch-io/gateway/internal/auth"
	"github.com/stockwatch-io/gateway/internal/config"
	"github.com/stockwatch-io/gateway/internal/gateway"
	"github.com/stockwatch-io/gateway/internal/monitoring"
	"github.com/stockwatch-io/gateway/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before config decides the structured one.
	startupLog := log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from container CPU limits.
	startupLog.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load()
	if err != nil {
		startupLog.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := cfg.LogLevel
	if *debug {
		logLevel = "debug"
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(logLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	if cfg.TokenSecret == "" {
		logger.Fatal().Msg("TOKEN_SECRET is required")
	}

	st := store.NewMemoryStore()
	tokens := auth.NewJWTVerifier(cfg.TokenSecret)

	srv := gateway.NewServer(cfg, st, tokens, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown incomplete")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	services, err := setupServices(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}

	log.Info().
		Str("base_url", cfg.BaseURL).
		Str("mode", cfg.Mode).
		Str("transport", cfg.Transport).
		Str("status_addr", cfg.StatusAddr).
		Msg("starting boardwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watchState(ctx, services.Sync.Store())

	initCtx, initCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	if err := services.Sync.Initialize(initCtx, cfg.BoardMode()); err != nil {
		// Not fatal: the status surface reports the error and SIGHUP retries.
		log.Error().Err(err).Msg("initial board load failed")
	}
	initCancel()

	server := setupServer(cfg.StatusAddr, services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("status server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("status server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Info().Msg("re-initializing board")
			go reinitialize(ctx, services, cfg.RequestTimeout, cfg.BoardMode())
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server shutdown failed")
	}
	if err := services.Sync.Close(); err != nil {
		log.Error().Err(err).Msg("synchronizer shutdown failed")
	}
	cancel()

	log.Info().Msg("boardwatch shutdown complete")
}

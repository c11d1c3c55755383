package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/caydenlund/codenames/go/clients"
	"github.com/caydenlund/codenames/go/internal/boardsync"
	"github.com/caydenlund/codenames/go/internal/boardsync/transport"
	"github.com/caydenlund/codenames/go/internal/config"
	"github.com/caydenlund/codenames/go/internal/models"
)

type Services struct {
	Config   *config.Config
	Client   *clients.BoardClient
	Sync     *boardsync.Synchronizer
	Registry *prometheus.Registry
	Started  time.Time
}

func setupServices(cfg *config.Config) (*Services, error) {
	// HTTP client → push opener → metrics → Synchronizer
	client := clients.NewBoardClient(cfg.BaseURL)
	client.SetTimeout(cfg.RequestTimeout)

	opener, err := newOpener(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := boardsync.NewPrometheusMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	syncCfg := cfg.Synchronizer()
	syncCfg.Metrics = metrics
	logger := log.Logger.With().Str("component", "boardsync").Logger()
	syncCfg.Logger = &logger

	return &Services{
		Config:   cfg,
		Client:   client,
		Sync:     boardsync.New(client, opener, syncCfg),
		Registry: registry,
		Started:  time.Now(),
	}, nil
}

func newOpener(cfg *config.Config) (boardsync.Opener, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocketOpener(cfg.WebSocket()), nil
	case config.TransportNATS:
		return transport.NewNATSOpener(cfg.NATSConfig()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func reinitialize(ctx context.Context, services *Services, timeout time.Duration, mode models.Mode) {
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := services.Sync.Initialize(initCtx, mode); err != nil {
		log.Error().Err(err).Msg("re-initialize failed")
	}
}

// watchState logs every channel transition and board change.
func watchState(ctx context.Context, store *boardsync.Store) {
	var prev *boardsync.SyncState
	for st := range store.Subscribe(ctx, 8) {
		if prev == nil || st.Channel != prev.Channel {
			log.Info().
				Stringer("channel", st.Channel).
				Int("reconnect_attempts", st.ReconnectAttempts).
				Msg("channel state changed")
		}
		if prev == nil || st.BoardVersion != prev.BoardVersion {
			log.Info().
				Uint64("board_version", st.BoardVersion).
				Int("rows", st.Board.Rows()).
				Int("revealed", countRevealed(st.Board)).
				Msg("board updated")
		}
		if st.Error != "" && (prev == nil || st.Error != prev.Error) {
			log.Warn().Str("error", st.Error).Msg("synchronizer reported an error")
		}
		prev = st
	}
}

func countRevealed(board models.Board) int {
	n := 0
	for _, row := range board {
		for _, card := range row {
			if card.Revealed {
				n++
			}
		}
	}
	return n
}

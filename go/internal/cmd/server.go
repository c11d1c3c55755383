package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caydenlund/codenames/go/internal/boardsync"
)

// GetStateProcedure is the Connect procedure serving the current SyncState.
const GetStateProcedure = "/boardsync.v1.StatusService/GetState"

func setupServer(addr string, services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	registerStatusService(mux, services.Sync)
	registerActions(mux, services.Sync)
	setupHealthCheck(mux, services)
	mux.Handle("/metrics", promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{}))

	handler := c.Handler(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// registerStatusService serves the state both as plain JSON and over Connect.
// The Connect handler uses well-known types so no generated code is needed.
func registerStatusService(mux *http.ServeMux, sync *boardsync.Synchronizer) {
	mux.Handle(GetStateProcedure, connect.NewUnaryHandler(
		GetStateProcedure,
		func(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
			st, err := stateStruct(sync.State())
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(st), nil
		},
	))

	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sync.State())
	})
}

type revealParams struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func registerActions(mux *http.ServeMux, sync *boardsync.Synchronizer) {
	mux.HandleFunc("POST /actions/reveal", func(w http.ResponseWriter, r *http.Request) {
		var params revealParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := sync.RevealCard(r.Context(), params.Row, params.Col); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /actions/new-game", func(w http.ResponseWriter, r *http.Request) {
		if err := sync.NewGame(r.Context()); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /actions/clear-error", func(w http.ResponseWriter, r *http.Request) {
		sync.ClearError()
		w.WriteHeader(http.StatusNoContent)
	})
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	// Readiness: 503 until a board is loaded, and again once reconnects give up.
	mux.Handle("/health/ready", boardsync.NewSyncHealthChecker(services.Sync))

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		st := services.Sync.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"service":   "boardwatch",
			"base_url":  services.Config.BaseURL,
			"mode":      st.Mode,
			"transport": services.Config.Transport,
			"channel":   st.Channel.String(),
			"uptime":    time.Since(services.Started).Round(time.Second).String(),
		})
	})
}

// stateStruct round-trips the state through JSON; structpb only accepts
// plain maps, slices and scalars.
func stateStruct(st *boardsync.SyncState) (*structpb.Struct, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return structpb.NewStruct(fields)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

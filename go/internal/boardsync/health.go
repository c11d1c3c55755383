package boardsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HealthStatus is a point-in-time readiness report for one session.
type HealthStatus struct {
	Healthy           bool
	Channel           ChannelState
	Connected         bool
	ReconnectAttempts int
	BoardVersion      uint64
	Errors            []string
}

// HealthChecker reports whether a component is ready to serve.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// SyncHealthChecker reports readiness of a Synchronizer. A session is ready
// once a board has been loaded and the push channel has not given up.
type SyncHealthChecker struct {
	sync *Synchronizer
}

var _ HealthChecker = (*SyncHealthChecker)(nil)

func NewSyncHealthChecker(s *Synchronizer) *SyncHealthChecker {
	return &SyncHealthChecker{sync: s}
}

func (h *SyncHealthChecker) Check(ctx context.Context) HealthStatus {
	st := h.sync.State()
	status := HealthStatus{
		Healthy:           true,
		Channel:           st.Channel,
		Connected:         st.Connected,
		ReconnectAttempts: st.ReconnectAttempts,
		BoardVersion:      st.BoardVersion,
		Errors:            []string{},
	}

	if st.BoardVersion == 0 {
		status.Healthy = false
		status.Errors = append(status.Errors, "no board loaded")
	}

	switch st.Channel {
	case ChannelIdle:
		status.Healthy = false
		status.Errors = append(status.Errors, "push channel not started")
	case ChannelExhausted:
		status.Healthy = false
	case ChannelReconnectScheduled:
		status.Errors = append(status.Errors, fmt.Sprintf("reconnecting (attempt %d)", st.ReconnectAttempts))
	}

	if st.Error != "" {
		status.Errors = append(status.Errors, st.Error)
	}
	return status
}

// ServeHTTP answers 503 while the session is not ready.
func (h *SyncHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	response := map[string]any{
		"healthy":            status.Healthy,
		"channel":            status.Channel,
		"connected":          status.Connected,
		"reconnect_attempts": status.ReconnectAttempts,
		"board_version":      status.BoardVersion,
		"errors":             status.Errors,
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler fails while the process drains so load balancers stop
// routing new sessions here.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.Lifecycle.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type StatusResponse struct {
	OK               bool     `json:"ok"`
	EngineConfigured bool     `json:"engine_configured"`
	StoreConnected   bool     `json:"store_connected"`
	Draining         bool     `json:"draining"`
	ActiveSessions   int      `json:"active_sessions"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
	Issues           []string `json:"issues,omitempty"`
}

// StatusHandler serves /v1/health.
type StatusHandler struct {
	EngineConfigured bool
	Store            store.Store
	LiveSessions     *sessions.Tracker
	Lifecycle        *lifecycle.Lifecycle
	PingTimeout      time.Duration
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		EngineConfigured: h.EngineConfigured,
		Draining:         h.Lifecycle.IsDraining(),
		UptimeSeconds:    int64(h.Lifecycle.Uptime(time.Now()) / time.Second),
	}
	if h.LiveSessions != nil {
		resp.ActiveSessions = h.LiveSessions.Count()
	}
	if !resp.EngineConfigured {
		resp.Issues = append(resp.Issues, "ai engine is not configured")
	}

	resp.StoreConnected = true
	if h.Store != nil {
		timeout := h.PingTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			resp.StoreConnected = false
			resp.Issues = append(resp.Issues, "store ping failed")
		}
	}

	resp.OK = len(resp.Issues) == 0 && !resp.Draining
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/modes"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

type pingFailStore struct {
	store.Nop
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyHandler_Draining(t *testing.T) {
	lc := lifecycle.New(time.Now())
	h := ReadyHandler{Lifecycle: lc}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	lc.SetDraining(true)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStatusHandler_Healthy(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("s_1", sessions.Handle{})
	defer unregister()

	h := StatusHandler{
		EngineConfigured: true,
		Store:            store.NewMemory(),
		LiveSessions:     tracker,
		Lifecycle:        lifecycle.New(time.Now().Add(-time.Minute)),
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.True(t, resp.StoreConnected)
	require.Equal(t, 1, resp.ActiveSessions)
	require.GreaterOrEqual(t, resp.UptimeSeconds, int64(59))
	require.Empty(t, resp.Issues)
}

func TestStatusHandler_ReportsIssues(t *testing.T) {
	h := StatusHandler{
		EngineConfigured: false,
		Store:            pingFailStore{},
		LiveSessions:     sessions.NewTracker(),
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	require.False(t, resp.EngineConfigured)
	require.False(t, resp.StoreConnected)
	require.Len(t, resp.Issues, 2)
}

func TestModesHandler_ListsCatalogWithoutInstructions(t *testing.T) {
	rr := httptest.NewRecorder()
	ModesHandler{Modes: modes.Default()}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/modes", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Modes []map[string]any `json:"modes"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Modes)
	keys := make([]string, 0, len(resp.Modes))
	for _, m := range resp.Modes {
		keys = append(keys, m["key"].(string))
		require.NotContains(t, m, "system_instruction")
	}
	require.Contains(t, keys, "technical")
}

func TestNotFoundHandler_JSONEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v2/nothing", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), `"type":"not_found_error"`)
}

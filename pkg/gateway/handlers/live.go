package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interview/pkg/gateway/apierror"
	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/engine"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-interview/pkg/gateway/live/session"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
	"github.com/vango-go/vai-interview/pkg/gateway/metrics"
	"github.com/vango-go/vai-interview/pkg/gateway/modes"
	"github.com/vango-go/vai-interview/pkg/gateway/mw"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

// LiveHandler upgrades /v1/live to a WebSocket and runs one interview
// session on it.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Engine       engine.Engine
	Modes        *modes.Catalog
	Transcripts  *transcript.Assembler
	Store        store.Store
	Persist      *sessions.Pool
	Metrics      *metrics.Metrics
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "server is draining", Code: "draining", RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}
	if h.LiveSessions != nil && h.LiveSessions.Count() >= h.Config.MaxConcurrentSessions {
		apierror.WriteError(w, reqID, sessions.ErrAtCapacity)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin is checked above against the same allowlist as CORS.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s, err := session.New(session.Dependencies{
		Conn:        conn,
		Logger:      h.Logger,
		Engine:      h.Engine,
		Modes:       h.Modes,
		Transcripts: h.Transcripts,
		Store:       h.Store,
		Persist:     h.Persist,
		Metrics:     h.Metrics,
		RequestID:   reqID,
		Config:      h.sessionConfig(),
	})
	if err != nil {
		writeWSError(conn, protocol.KindInternal, "failed to initialize live session")
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister, err = h.LiveSessions.TryRegister(s.ID(), s.Handle(), h.Config.MaxConcurrentSessions)
		if err != nil {
			writeWSError(conn, protocol.KindAtCapacity, "too many live sessions")
			return
		}
	}
	defer unregister()

	if err := s.Run(); err != nil && h.Logger != nil {
		h.Logger.Warn("live session ended with error", "session_id", s.ID(), "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) sessionConfig() session.Config {
	return session.Config{
		MaxAudioFrameBytes:         h.Config.LiveMaxAudioFrameBytes,
		MaxJSONMessageBytes:        h.Config.LiveMaxJSONMessageBytes,
		LiveMaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		LiveMaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		LiveInboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
		PingInterval:               h.Config.LiveWSPingInterval,
		WriteTimeout:               h.Config.LiveWSWriteTimeout,
		ReadTimeout:                h.Config.LiveWSReadTimeout,
		HandshakeTimeout:           h.Config.LiveHandshakeTimeout,
		EngineOpenTimeout:          h.Config.EngineOpenTimeout,
		MaxSessionDuration:         h.Config.MaxSessionDuration,
		StoreTimeout:               h.Config.StoreTimeout,
		OutboundQueueSize:          128,
		OutboundChunkBytes:         h.Config.OutboundChunkBytes,
		OutboundFlushInterval:      h.Config.OutboundFlushInterval,
		EngineChunkBytes:           h.Config.EngineChunkBytes,
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// writeWSError reports a failure that happens before the session runs.
func writeWSError(conn *websocket.Conn, kind, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = conn.WriteJSON(protocol.ServerError{Type: protocol.TypeError, Kind: kind, Message: message, Fatal: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, message), time.Now().Add(2*time.Second))
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}

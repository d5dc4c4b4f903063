package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/handlers"
	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/engine"
	"github.com/vango-go/vai-interview/pkg/gateway/live/engine/gemini"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
	"github.com/vango-go/vai-interview/pkg/gateway/metrics"
	"github.com/vango-go/vai-interview/pkg/gateway/modes"
	"github.com/vango-go/vai-interview/pkg/gateway/mw"
	"github.com/vango-go/vai-interview/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

// Deps are the process-wide collaborators shared by every handler. Nil
// fields get in-memory defaults.
type Deps struct {
	Engine           engine.Engine
	EngineConfigured bool
	Modes            *modes.Catalog
	Transcripts      *transcript.Assembler
	Store            store.Store
	Persist          *sessions.Pool
	LiveSessions     *sessions.Tracker
	Metrics          *metrics.Metrics
	Lifecycle        *lifecycle.Lifecycle
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	deps    Deps
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = gemini.Unconfigured{}
		deps.EngineConfigured = false
	}
	if deps.Modes == nil {
		deps.Modes = modes.Default()
	}
	if deps.Transcripts == nil {
		deps.Transcripts = transcript.NewAssembler()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.LiveSessions == nil {
		deps.LiveSessions = sessions.NewTracker()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = lifecycle.New(time.Now())
	}

	limits := ratelimit.Config{
		RPS:                   cfg.LimitRPS,
		Burst:                 cfg.LimitBurst,
		MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
		MaxConcurrentStreams:  cfg.LimitMaxConcurrentStreams,
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	if limits.Enabled() {
		s.limiter = ratelimit.New(limits)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Lifecycle: s.deps.Lifecycle})
	s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	s.mux.Handle("GET /v1/health", handlers.StatusHandler{
		EngineConfigured: s.deps.EngineConfigured,
		Store:            s.deps.Store,
		LiveSessions:     s.deps.LiveSessions,
		Lifecycle:        s.deps.Lifecycle,
		PingTimeout:      s.cfg.StoreTimeout,
	})
	s.mux.Handle("GET /v1/modes", handlers.ModesHandler{Modes: s.deps.Modes})

	sh := handlers.SessionsHandler{
		LiveSessions: s.deps.LiveSessions,
		Transcripts:  s.deps.Transcripts,
		Store:        s.deps.Store,
		Logger:       s.logger,
		StoreTimeout: s.cfg.StoreTimeout,
		PingInterval: s.cfg.SSEPingInterval,
	}
	s.mux.HandleFunc("GET /v1/sessions", sh.List)
	s.mux.HandleFunc("GET /v1/sessions/{id}", sh.Get)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", sh.End)
	s.mux.HandleFunc("GET /v1/sessions/{id}/transcript", sh.Transcript)
	s.mux.Handle("GET /v1/sessions/{id}/transcript/stream", mw.StreamLimit(s.limiter, http.HandlerFunc(sh.Stream)))

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Engine:       s.deps.Engine,
		Modes:        s.deps.Modes,
		Transcripts:  s.deps.Transcripts,
		Store:        s.deps.Store,
		Persist:      s.deps.Persist,
		Metrics:      s.deps.Metrics,
		Lifecycle:    s.deps.Lifecycle,
		LiveSessions: s.deps.LiveSessions,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Instrument(s.deps.Metrics, h)
	h = mw.RateLimit(s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining fails readiness and rejects new live sessions.
func (s *Server) SetDraining() {
	s.deps.Lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.deps.LiveSessions.WarnAll("server_draining", "server is shutting down; the session will end soon")
}

// WaitLiveSessions reports whether every live session ended before ctx.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.deps.LiveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.deps.LiveSessions.CancelAll()
}

// PruneTranscripts forgets finished transcripts older than the retention
// window until ctx is done.
func (s *Server) PruneTranscripts(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.deps.Transcripts.Prune(now.Add(-retention)); n > 0 {
				s.logger.Debug("pruned transcripts", "count", n)
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/vai-interview/internal/dotenv"
	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/engine/gemini"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
	"github.com/vango-go/vai-interview/pkg/gateway/metrics"
	"github.com/vango-go/vai-interview/pkg/gateway/modes"
	gatewayserver "github.com/vango-go/vai-interview/pkg/gateway/server"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
	"github.com/vango-go/vai-interview/pkg/gateway/store/postgres"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	openBackends func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error)
	newServer    func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig:   config.LoadFromEnv,
		openBackends: openBackends,
		newServer:    gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

// openBackends builds the engine, store, persistence pool and shared
// registries from cfg. The returned cleanup closes what was opened.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error) {
	catalog := modes.Default()
	if cfg.ModesFile != "" {
		c, err := modes.Load(cfg.ModesFile)
		if err != nil {
			return gatewayserver.Deps{}, nil, fmt.Errorf("load modes: %w", err)
		}
		catalog = c
	}

	deps := gatewayserver.Deps{
		Engine:       gemini.Unconfigured{},
		Modes:        catalog,
		Transcripts:  transcript.NewAssembler(),
		LiveSessions: sessions.NewTracker(),
		Metrics:      metrics.New(cfg.MetricsNamespace),
		Lifecycle:    lifecycle.New(time.Now()),
	}

	if cfg.GeminiAPIKey != "" {
		eng, err := gemini.New(ctx, gemini.Config{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Voice:  cfg.GeminiVoice,
		}, logger)
		if err != nil {
			return gatewayserver.Deps{}, nil, fmt.Errorf("create engine: %w", err)
		}
		deps.Engine = eng
		deps.EngineConfigured = true
	} else {
		logger.Warn("no gemini api key configured; live sessions will fail to open")
	}

	closeStore := func() {}
	if cfg.DatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		pg, err := postgres.Open(openCtx, cfg.DatabaseURL, logger)
		cancel()
		if err != nil {
			return gatewayserver.Deps{}, nil, fmt.Errorf("open store: %w", err)
		}
		deps.Store = pg
		closeStore = pg.Close
	} else {
		logger.Info("no database configured; transcripts are kept in memory")
		deps.Store = store.NewMemory()
	}

	deps.Persist = sessions.NewPool(cfg.PersistWorkers, cfg.PersistQueue, logger)

	cleanup := func() {
		// Drain queued writes before the store goes away.
		deps.Persist.Close()
		closeStore()
	}
	return deps, cleanup, nil
}

func run(ctx context.Context, stderr io.Writer, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openBackends == nil || deps.newServer == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	backends, cleanup, err := deps.openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := deps.newServer(cfg, logger, backends)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go backends.LiveSessions.RunSweeper(bgCtx, cfg.SessionSweepInterval, cfg.MaxSessionDuration, logger)
	go srv.PruneTranscripts(bgCtx, cfg.SessionSweepInterval, cfg.TranscriptRetention)

	logger.Info("starting interview server",
		"addr", cfg.Addr,
		"engine_configured", backends.EngineConfigured,
		"max_sessions", cfg.MaxConcurrentSessions,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()
	if n := srv.WarnLiveSessionsDraining(); n > 0 {
		logger.Info("warned live sessions", "count", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitLiveSessions(waitCtx) {
		logger.Warn("live sessions still running after grace period; canceling", "count", srv.CancelLiveSessions())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("interview server stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-interview: %v\n", err)
		return 1
	}

	if err := run(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-interview: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}

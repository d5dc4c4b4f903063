package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-interview/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, appDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error) {
			t.Fatalf("openBackends should not be called when config load fails")
			return gatewayserver.Deps{}, nil, nil
		},
		newServer: func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server {
			t.Fatalf("newServer should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want config error", got)
	}
}

func TestRunMain_ReturnsNonZeroWhenBackendsFail(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, appDeps{
		loadConfig: func() (config.Config, error) { return config.Config{}, nil },
		openBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error) {
			return gatewayserver.Deps{}, nil, errors.New("open store: connection refused")
		},
		newServer:    gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "connection refused") {
		t.Fatalf("stderr=%q, want backend error", got)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestOpenBackends_InMemoryWithoutEngine(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, cleanup, err := openBackends(t.Context(), config.Config{PersistWorkers: 1, PersistQueue: 4}, logger)
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	defer cleanup()

	if deps.EngineConfigured {
		t.Fatalf("EngineConfigured=true without an api key")
	}
	if deps.Store == nil || deps.Persist == nil || deps.LiveSessions == nil || deps.Transcripts == nil {
		t.Fatalf("missing backend: %+v", deps)
	}
	if _, err := deps.Modes.Lookup("technical"); err != nil {
		t.Fatalf("default mode catalog: %v", err)
	}
}

func TestOpenBackends_BadModesFile(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, _, err := openBackends(t.Context(), config.Config{ModesFile: t.TempDir() + "/missing.yaml"}, logger)
	if err == nil || !strings.Contains(err.Error(), "load modes") {
		t.Fatalf("err=%v, want load modes error", err)
	}
}

func TestRun_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		sigCh    chan<- os.Signal
		cleaned  bool
		notified = make(chan struct{})
	)
	deps := appDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                "127.0.0.1:0",
				ReadHeaderTimeout:   time.Second,
				ShutdownGracePeriod: time.Second,
			}, nil
		},
		openBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error) {
			return gatewayserver.Deps{}, func() {
				mu.Lock()
				cleaned = true
				mu.Unlock()
			}, nil
		},
		newServer: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			mu.Lock()
			sigCh = c
			mu.Unlock()
			close(notified)
		},
		signalStop: func(c chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), io.Discard, deps) }()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler never installed")
	}
	mu.Lock()
	sigCh <- syscall.SIGTERM
	mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after SIGTERM")
	}
	mu.Lock()
	defer mu.Unlock()
	if !cleaned {
		t.Fatalf("backends were not cleaned up")
	}
}

func TestServerHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := gatewayserver.New(config.Config{
		CORSAllowedOrigins:         map[string]struct{}{},
		ReadHeaderTimeout:          time.Second,
		ReadTimeout:                time.Second,
		MaxConcurrentSessions:      2,
		MaxSessionDuration:         time.Minute,
		LiveMaxAudioFrameBytes:     8192,
		LiveMaxJSONMessageBytes:    64 * 1024,
		LiveWSPingInterval:         20 * time.Second,
		LiveWSWriteTimeout:         5 * time.Second,
		LiveHandshakeTimeout:       5 * time.Second,
		SSEPingInterval:            15 * time.Second,
		LimitRPS:                   10,
		LimitBurst:                 20,
		LimitMaxConcurrentRequests: 20,
		LimitMaxConcurrentStreams:  10,
	}, logger, gatewayserver.Deps{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

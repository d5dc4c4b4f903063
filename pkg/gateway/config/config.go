package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel slog.Level

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Optional YAML mode catalog; empty uses the built-in modes.
	ModesFile string

	// AI engine (Gemini Live).
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVoice       string
	EngineOpenTimeout time.Duration

	// Persistence. Empty DatabaseURL keeps transcripts in memory only.
	DatabaseURL    string
	StoreTimeout   time.Duration
	PersistWorkers int
	PersistQueue   int

	// Session limits.
	MaxConcurrentSessions int
	MaxSessionDuration    time.Duration
	SessionSweepInterval  time.Duration
	TranscriptRetention   time.Duration

	// Live WebSocket (/v1/live).
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveHandshakeTimeout       time.Duration
	OutboundChunkBytes         int
	OutboundFlushInterval      time.Duration
	EngineChunkBytes           int

	// SSE transcript stream.
	SSEPingInterval time.Duration

	// Per-client HTTP limits (keyed by remote address). Zero disables.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxConcurrentStreams  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
	MetricsNamespace    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_INTERVIEW_ADDR", ":8080"),
		CORSAllowedOrigins:         make(map[string]struct{}),
		ModesFile:                  envOr("VAI_INTERVIEW_MODES_FILE", ""),
		GeminiAPIKey:               envOr("VAI_INTERVIEW_GEMINI_API_KEY", envOr("GOOGLE_API_KEY", "")),
		GeminiModel:                envOr("VAI_INTERVIEW_GEMINI_MODEL", ""),
		GeminiVoice:                envOr("VAI_INTERVIEW_GEMINI_VOICE", ""),
		EngineOpenTimeout:          envDurationOr("VAI_INTERVIEW_ENGINE_OPEN_TIMEOUT", 10*time.Second),
		DatabaseURL:                envOr("VAI_INTERVIEW_DATABASE_URL", ""),
		StoreTimeout:               envDurationOr("VAI_INTERVIEW_STORE_TIMEOUT", 5*time.Second),
		PersistWorkers:             envIntOr("VAI_INTERVIEW_PERSIST_WORKERS", 4),
		PersistQueue:               envIntOr("VAI_INTERVIEW_PERSIST_QUEUE", 256),
		MaxConcurrentSessions:      envIntOr("VAI_INTERVIEW_MAX_SESSIONS", 10),
		MaxSessionDuration:         envDurationOr("VAI_INTERVIEW_MAX_SESSION_DURATION", 15*time.Minute),
		SessionSweepInterval:       envDurationOr("VAI_INTERVIEW_SESSION_SWEEP_INTERVAL", 30*time.Second),
		TranscriptRetention:        envDurationOr("VAI_INTERVIEW_TRANSCRIPT_RETENTION", time.Hour),
		LiveMaxAudioFrameBytes:     envIntOr("VAI_INTERVIEW_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:    envInt64Or("VAI_INTERVIEW_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            envIntOr("VAI_INTERVIEW_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("VAI_INTERVIEW_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("VAI_INTERVIEW_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:         envDurationOr("VAI_INTERVIEW_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("VAI_INTERVIEW_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("VAI_INTERVIEW_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:       envDurationOr("VAI_INTERVIEW_LIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		OutboundChunkBytes:         envIntOr("VAI_INTERVIEW_OUTBOUND_CHUNK_BYTES", 4096),
		OutboundFlushInterval:      envDurationOr("VAI_INTERVIEW_OUTBOUND_FLUSH_INTERVAL", time.Second),
		EngineChunkBytes:           envIntOr("VAI_INTERVIEW_ENGINE_CHUNK_BYTES", 1024),
		SSEPingInterval:            envDurationOr("VAI_INTERVIEW_SSE_PING_INTERVAL", 15*time.Second),
		LimitRPS:                   envFloatOr("VAI_INTERVIEW_LIMIT_RPS", 0),
		LimitBurst:                 envIntOr("VAI_INTERVIEW_LIMIT_BURST", 0),
		LimitMaxConcurrentRequests: envIntOr("VAI_INTERVIEW_LIMIT_MAX_CONCURRENT_REQUESTS", 0),
		LimitMaxConcurrentStreams:  envIntOr("VAI_INTERVIEW_LIMIT_MAX_CONCURRENT_STREAMS", 4),
		ReadHeaderTimeout:          envDurationOr("VAI_INTERVIEW_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("VAI_INTERVIEW_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("VAI_INTERVIEW_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:           envOr("VAI_INTERVIEW_METRICS_NAMESPACE", "vai_interview"),
	}

	level, err := parseLevel(envOr("VAI_INTERVIEW_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	for _, origin := range splitCSV(os.Getenv("VAI_INTERVIEW_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.EngineOpenTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_ENGINE_OPEN_TIMEOUT must be > 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_STORE_TIMEOUT must be > 0")
	}
	if cfg.PersistWorkers <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_PERSIST_WORKERS must be > 0")
	}
	if cfg.PersistQueue <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_PERSIST_QUEUE must be > 0")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.SessionSweepInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_SESSION_SWEEP_INTERVAL must be > 0")
	}
	if cfg.TranscriptRetention <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_TRANSCRIPT_RETENTION must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.OutboundChunkBytes <= 0 || cfg.OutboundChunkBytes%2 != 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_OUTBOUND_CHUNK_BYTES must be a positive even number")
	}
	if cfg.OutboundFlushInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_OUTBOUND_FLUSH_INTERVAL must be > 0")
	}
	if cfg.EngineChunkBytes <= 0 || cfg.EngineChunkBytes%2 != 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_ENGINE_CHUNK_BYTES must be a positive even number")
	}
	if cfg.SSEPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.LimitRPS < 0 || cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIMIT_RPS and VAI_INTERVIEW_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitRPS > 0 && cfg.LimitBurst < 1 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIMIT_BURST must be >= 1 when VAI_INTERVIEW_LIMIT_RPS is set")
	}
	if cfg.LimitMaxConcurrentRequests < 0 || cfg.LimitMaxConcurrentStreams < 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_LIMIT_MAX_CONCURRENT_* must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.MetricsNamespace) == "" {
		return Config{}, fmt.Errorf("VAI_INTERVIEW_METRICS_NAMESPACE must not be empty")
	}

	return cfg, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("VAI_INTERVIEW_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

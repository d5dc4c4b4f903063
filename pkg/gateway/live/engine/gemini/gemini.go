// Package gemini adapts the Gemini Live API to engine.Engine.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/vai-interview/pkg/gateway/live/engine"
)

const (
	DefaultModel = "gemini-2.0-flash-live-001"

	defaultPrefixPaddingMS   = 200
	defaultSilenceDurationMS = 600
	defaultEventBuffer       = 256
)

type Config struct {
	APIKey            string
	Model             string
	Voice             string
	PrefixPaddingMS   int32
	SilenceDurationMS int32
	EventBuffer       int
}

// liveConn is the subset of *genai.Session used by the adapter.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

type Engine struct {
	cfg     Config
	connect connectFunc
	logger  *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		// Live is only served on v1beta.
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	connect := func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveConn, error) {
		return client.Live.Connect(ctx, model, lc)
	}
	return newEngine(cfg, connect, logger), nil
}

func newEngine(cfg Config, connect connectFunc, logger *slog.Logger) *Engine {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.PrefixPaddingMS <= 0 {
		cfg.PrefixPaddingMS = defaultPrefixPaddingMS
	}
	if cfg.SilenceDurationMS <= 0 {
		cfg.SilenceDurationMS = defaultSilenceDurationMS
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, connect: connect, logger: logger}
}

func (e *Engine) Model() string {
	return e.cfg.Model
}

func (e *Engine) Open(ctx context.Context, cfg engine.Config) (engine.Session, error) {
	conn, err := e.connect(ctx, e.cfg.Model, e.liveConfig(cfg))
	if err != nil {
		return nil, &engine.SessionError{Op: "connect", Err: err}
	}
	inputRate := cfg.InputSampleRate
	if inputRate <= 0 {
		inputRate = 16000
	}
	s := &session{
		conn:     conn,
		logger:   e.logger.With("mode", cfg.Mode, "model", e.cfg.Model),
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", inputRate),
		events:   make(chan engine.Event, e.cfg.EventBuffer),
		closed:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

func (e *Engine) liveConfig(cfg engine.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{
				StartOfSpeechSensitivity: genai.StartSensitivityHigh,
				EndOfSpeechSensitivity:   genai.EndSensitivityLow,
				PrefixPaddingMs:          genai.Ptr(e.cfg.PrefixPaddingMS),
				SilenceDurationMs:        genai.Ptr(e.cfg.SilenceDurationMS),
			},
			ActivityHandling: genai.ActivityHandlingStartOfActivityInterrupts,
		},
	}
	if instr := strings.TrimSpace(cfg.SystemInstruction); instr != "" {
		lc.SystemInstruction = genai.NewContentFromText(instr, genai.RoleUser)
	}
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = strings.TrimSpace(e.cfg.Voice)
	}
	if voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	return lc
}

type session struct {
	conn     liveConn
	logger   *slog.Logger
	mimeType string
	events   chan engine.Event

	mu    sync.Mutex
	turns turnTracker

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) PushAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if s.isClosed() {
		return engine.ErrClosed
	}
	err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: s.mimeType, Data: pcm},
	})
	if err != nil {
		return &engine.SessionError{Op: "send audio", Err: err}
	}
	return nil
}

func (s *session) PushText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.isClosed() {
		return engine.ErrClosed
	}
	if err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{Text: text}); err != nil {
		return &engine.SessionError{Op: "send text", Err: err}
	}
	return nil
}

func (s *session) EndAudio() error {
	if s.isClosed() {
		return engine.ErrClosed
	}
	if err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return &engine.SessionError{Op: "send audio end", Err: err}
	}
	return nil
}

// AbandonTurn suppresses the rest of the turn in flight. The Live API stops
// generating on its own once it hears the user, so nothing is sent upstream.
// Text input does not cut the turn: after a typed interruption the model
// finishes the abandoned turn silently before it answers.
func (s *session) AbandonTurn() error {
	if s.isClosed() {
		return engine.ErrClosed
	}
	s.mu.Lock()
	s.turns.abandon()
	s.mu.Unlock()
	return nil
}

func (s *session) Events() <-chan engine.Event {
	return s.events
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.emit(engine.Event{Kind: engine.KindSessionError, Err: &engine.SessionError{Op: "receive", Err: err}})
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			s.logger.Info("gemini live go_away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}
		s.mu.Lock()
		events := s.turns.translate(msg.ServerContent)
		s.mu.Unlock()
		for _, ev := range events {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *session) emit(ev engine.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

// turnTracker assigns turn ids to model output. A turn opens on the first
// model content after the previous one ended and closes on TurnComplete or
// Interrupted.
type turnTracker struct {
	turnID    int64
	open      bool
	abandoned bool
}

func (t *turnTracker) abandon() {
	if t.open {
		t.abandoned = true
	}
}

func (t *turnTracker) start() {
	if !t.open {
		t.turnID++
		t.open = true
		t.abandoned = false
	}
}

func (t *turnTracker) close() {
	t.open = false
	t.abandoned = false
}

func (t *turnTracker) translate(sc *genai.LiveServerContent) []engine.Event {
	var out []engine.Event

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, engine.Event{TurnID: t.turnID, Kind: engine.KindUserTranscript, Text: sc.InputTranscription.Text})
	}

	hasModel := sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0
	hasTranscript := sc.OutputTranscription != nil && sc.OutputTranscription.Text != ""
	if hasModel || hasTranscript {
		t.start()
	}

	if !t.abandoned {
		if hasModel {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					out = append(out, engine.Event{TurnID: t.turnID, Kind: engine.KindAudio, Audio: part.InlineData.Data})
				}
			}
		}
		if hasTranscript {
			out = append(out, engine.Event{TurnID: t.turnID, Kind: engine.KindText, Text: sc.OutputTranscription.Text})
		}
	}

	switch {
	case sc.Interrupted:
		if t.open && !t.abandoned {
			out = append(out, engine.Event{TurnID: t.turnID, Kind: engine.KindInterrupted})
		}
		t.close()
	case sc.TurnComplete:
		if t.open && !t.abandoned {
			out = append(out, engine.Event{TurnID: t.turnID, Kind: engine.KindComplete})
		}
		t.close()
	}
	return out
}

var errNotConfigured = errors.New("gemini engine is not configured")

// Unconfigured is an Engine that fails every Open. It lets the server start
// without credentials so health and transcript endpoints stay available.
type Unconfigured struct{}

func (Unconfigured) Open(context.Context, engine.Config) (engine.Session, error) {
	return nil, &engine.SessionError{Op: "connect", Err: errNotConfigured}
}

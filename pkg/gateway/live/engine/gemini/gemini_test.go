package gemini

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/vango-go/vai-interview/pkg/gateway/live/engine"
)

type fakeLive struct {
	mu      sync.Mutex
	inputs  []genai.LiveRealtimeInput
	in      chan *genai.LiveServerMessage
	done    chan struct{}
	once    sync.Once
	recvErr error
}

func newFakeLive() *fakeLive {
	return &fakeLive{in: make(chan *genai.LiveServerMessage, 16), done: make(chan struct{})}
}

func (f *fakeLive) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	return nil
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg, ok := <-f.in:
		if !ok {
			if f.recvErr != nil {
				return nil, f.recvErr
			}
			return nil, io.EOF
		}
		return msg, nil
	case <-f.done:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeLive) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func audioContent(data ...byte) *genai.LiveServerMessage {
	return &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: data}}}},
	}}
}

func complete() *genai.LiveServerMessage {
	return &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}
}

func openFake(t *testing.T) (*fakeLive, engine.Session, *genai.LiveConnectConfig) {
	t.Helper()
	fake := newFakeLive()
	var gotCfg *genai.LiveConnectConfig
	e := newEngine(Config{}, func(_ context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
		if model != DefaultModel {
			t.Fatalf("model=%q", model)
		}
		gotCfg = cfg
		return fake, nil
	}, nil)
	s, err := e.Open(context.Background(), engine.Config{Mode: "technical", SystemInstruction: "be an interviewer", InputSampleRate: 16000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return fake, s, gotCfg
}

func nextEvent(t *testing.T, s engine.Session) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return engine.Event{}
}

func TestOpen_BuildsLiveConfig(t *testing.T) {
	_, _, cfg := openFake(t)
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("modalities=%v", cfg.ResponseModalities)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be an interviewer" {
		t.Fatalf("system instruction=%+v", cfg.SystemInstruction)
	}
	aad := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if *aad.PrefixPaddingMs != 200 || *aad.SilenceDurationMs != 600 {
		t.Fatalf("vad=%+v", aad)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("transcription not enabled")
	}
}

func TestLiveConfig_ModeVoiceOverridesDefault(t *testing.T) {
	e := newEngine(Config{Voice: "Puck"}, nil, nil)
	if got := e.liveConfig(engine.Config{}).SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Fatalf("default voice=%q, want Puck", got)
	}
	if got := e.liveConfig(engine.Config{Voice: "Kore"}).SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Fatalf("mode voice=%q, want Kore", got)
	}
	if lc := newEngine(Config{}, nil, nil).liveConfig(engine.Config{}); lc.SpeechConfig != nil {
		t.Fatalf("expected no speech config without a voice")
	}
}

func TestOpen_ConnectFailureIsSessionError(t *testing.T) {
	e := newEngine(Config{}, func(context.Context, string, *genai.LiveConnectConfig) (liveConn, error) {
		return nil, errors.New("dial refused")
	}, nil)
	_, err := e.Open(context.Background(), engine.Config{})
	if !engine.IsSessionError(err) {
		t.Fatalf("err=%v, want session error", err)
	}
}

func TestSession_PushesRealtimeInput(t *testing.T) {
	fake, s, _ := openFake(t)
	if err := s.PushAudio([]byte{1, 2}); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if err := s.PushAudio(nil); err != nil {
		t.Fatalf("PushAudio(nil): %v", err)
	}
	if err := s.PushText("hello"); err != nil {
		t.Fatalf("PushText: %v", err)
	}
	if err := s.EndAudio(); err != nil {
		t.Fatalf("EndAudio: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.inputs) != 3 {
		t.Fatalf("inputs=%d, want 3", len(fake.inputs))
	}
	if fake.inputs[0].Audio == nil || fake.inputs[0].Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("audio input=%+v", fake.inputs[0])
	}
	if fake.inputs[1].Text != "hello" || !fake.inputs[2].AudioStreamEnd {
		t.Fatalf("inputs=%+v", fake.inputs)
	}
}

func TestSession_AssignsIncreasingTurnIDs(t *testing.T) {
	fake, s, _ := openFake(t)
	fake.in <- audioContent(1, 2)
	fake.in <- complete()
	fake.in <- audioContent(3)

	ev := nextEvent(t, s)
	if ev.Kind != engine.KindAudio || ev.TurnID != 1 {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, s)
	if ev.Kind != engine.KindComplete || ev.TurnID != 1 {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, s)
	if ev.Kind != engine.KindAudio || ev.TurnID != 2 {
		t.Fatalf("ev=%+v", ev)
	}
}

func TestSession_AbandonTurnSuppressesRemainder(t *testing.T) {
	fake, s, _ := openFake(t)
	fake.in <- audioContent(1)
	if ev := nextEvent(t, s); ev.TurnID != 1 {
		t.Fatalf("ev=%+v", ev)
	}
	if err := s.AbandonTurn(); err != nil {
		t.Fatalf("AbandonTurn: %v", err)
	}
	fake.in <- audioContent(2)
	fake.in <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}
	fake.in <- audioContent(3)

	ev := nextEvent(t, s)
	if ev.Kind != engine.KindAudio || ev.TurnID != 2 || ev.Audio[0] != 3 {
		t.Fatalf("ev=%+v, want first audio of turn 2", ev)
	}
}

func TestSession_TranscriptionsAndEngineBargeIn(t *testing.T) {
	fake, s, _ := openFake(t)
	fake.in <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "tell me"},
	}}
	fake.in <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "Sure"},
	}}
	fake.in <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}

	if ev := nextEvent(t, s); ev.Kind != engine.KindUserTranscript || ev.Text != "tell me" {
		t.Fatalf("ev=%+v", ev)
	}
	if ev := nextEvent(t, s); ev.Kind != engine.KindText || ev.TurnID != 1 || ev.Text != "Sure" {
		t.Fatalf("ev=%+v", ev)
	}
	if ev := nextEvent(t, s); ev.Kind != engine.KindInterrupted || ev.TurnID != 1 {
		t.Fatalf("ev=%+v", ev)
	}
}

func TestSession_ReceiveFailureEmitsSessionErrorAndCloses(t *testing.T) {
	fake, s, _ := openFake(t)
	fake.recvErr = errors.New("socket reset")
	close(fake.in)

	ev := nextEvent(t, s)
	if ev.Kind != engine.KindSessionError || !engine.IsSessionError(ev.Err) {
		t.Fatalf("ev=%+v", ev)
	}
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatalf("expected events channel closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("events not closed")
	}
}

func TestSession_CloseEndsEventsQuietly(t *testing.T) {
	_, s, _ := openFake(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("unexpected event after close: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("events not closed")
	}
	if err := s.PushAudio([]byte{1}); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("PushAudio after close err=%v", err)
	}
}

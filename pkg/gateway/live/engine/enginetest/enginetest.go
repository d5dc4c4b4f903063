// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/vango-go/vai-interview/pkg/gateway/live/engine"
)

type Engine struct {
	mu       sync.Mutex
	OpenErr  error
	sessions []*Session
	opened   chan *Session
}

func New() *Engine {
	return &Engine{opened: make(chan *Session, 16)}
}

func (e *Engine) Open(ctx context.Context, cfg engine.Config) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	s := &Session{Config: cfg, events: make(chan engine.Event, 256)}
	e.sessions = append(e.sessions, s)
	select {
	case e.opened <- s:
	default:
	}
	return s, nil
}

// Opened delivers each session as it is opened.
func (e *Engine) Opened() <-chan *Session {
	return e.opened
}

func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

type Session struct {
	Config engine.Config
	events chan engine.Event

	mu         sync.Mutex
	audio      [][]byte
	texts      []string
	audioEnds  int
	abandons   int
	closed     bool
	eventsDone bool
	pushErr    error
}

func (s *Session) PushAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	if s.pushErr != nil {
		return s.pushErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.audio = append(s.audio, buf)
	return nil
}

func (s *Session) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	if s.pushErr != nil {
		return s.pushErr
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *Session) EndAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	s.audioEnds++
	return nil
}

func (s *Session) AbandonTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	s.abandons++
	return nil
}

func (s *Session) Events() <-chan engine.Event {
	return s.events
}

// Close does not close the event channel so a test can still observe that
// nothing more is consumed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetPushErr makes subsequent pushes fail with err.
func (s *Session) SetPushErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushErr = err
}

// Emit queues an engine event for the session under test.
func (s *Session) Emit(ev engine.Event) {
	s.events <- ev
}

// Fail closes the event stream as a dropped engine connection would.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsDone {
		s.eventsDone = true
		close(s.events)
	}
}

func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *Session) AudioEnds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnds
}

func (s *Session) Abandons() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandons
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Package engine defines the conversational AI engine a live session talks
// to. An engine session accepts user audio and text and emits agent output as
// a stream of turn-tagged events.
package engine

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	// KindAudio carries agent PCM at the configured output rate.
	KindAudio Kind = iota + 1
	// KindText carries agent text (transcription of its speech or plain text).
	KindText
	// KindComplete ends an agent turn.
	KindComplete
	// KindInterrupted reports that the engine itself detected barge-in and
	// stopped generating the turn.
	KindInterrupted
	// KindUserTranscript carries transcription of user speech.
	KindUserTranscript
	// KindTurnError aborts one agent turn; the session stays usable.
	KindTurnError
	// KindSessionError is fatal to the engine session.
	KindSessionError
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindComplete:
		return "complete"
	case KindInterrupted:
		return "interrupted"
	case KindUserTranscript:
		return "user_transcript"
	case KindTurnError:
		return "turn_error"
	case KindSessionError:
		return "session_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one unit of engine output. Agent turns are numbered from 1 and
// TurnID increases monotonically per session; an event with a TurnID lower
// than one already seen belongs to a superseded turn. TurnID 0 never
// carries agent output.
type Event struct {
	TurnID int64
	Kind   Kind
	Audio  []byte
	Text   string
	Err    error
}

type Config struct {
	Mode              string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
	// Voice overrides the engine's default voice when set.
	Voice string
}

type Engine interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

// Session is a single engine conversation. Calls other than Close come from
// one goroutine. Events is closed after Close or a fatal error.
type Session interface {
	PushAudio(pcm []byte) error
	PushText(text string) error
	// EndAudio marks the end of the user's audio stream.
	EndAudio() error
	// AbandonTurn drops the rest of the turn currently being generated.
	AbandonTurn() error
	Events() <-chan Event
	Close() error
}

// TurnError is recoverable: only the turn it names is lost.
type TurnError struct {
	TurnID int64
	Err    error
}

func (e *TurnError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("engine turn %d: %v", e.TurnID, e.Err)
}

func (e *TurnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SessionError ends the session.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("engine session: %v", e.Err)
	}
	return fmt.Sprintf("engine session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var ErrClosed = errors.New("engine session closed")

// IsSessionError reports whether err is fatal to the engine session.
func IsSessionError(err error) bool {
	var se *SessionError
	return errors.As(err, &se) || errors.Is(err, ErrClosed)
}

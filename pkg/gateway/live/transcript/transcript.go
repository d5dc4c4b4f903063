// Package transcript keeps the canonical, sequence-ordered transcript of each
// live session and serves it to readers and live subscribers.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAgent
}

// Entry is immutable once appended. Sequence starts at 1 and increases by
// one per entry within a session.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrInvalidEntry = errors.New("invalid transcript entry")
	ErrConflict     = errors.New("conflicting transcript entry for sequence")
	ErrUnknown      = errors.New("unknown transcript session")
)

type Assembler struct {
	mu   sync.Mutex
	logs map[string]*sessionLog
}

type sessionLog struct {
	entries []Entry
	pending map[int64]Entry
	closed  bool
	closeAt time.Time
	notify  chan struct{}
}

func NewAssembler() *Assembler {
	return &Assembler{logs: make(map[string]*sessionLog)}
}

func (a *Assembler) logLocked(sessionID string) *sessionLog {
	l, ok := a.logs[sessionID]
	if !ok {
		l = &sessionLog{pending: make(map[int64]Entry), notify: make(chan struct{})}
		a.logs[sessionID] = l
	}
	return l
}

// wakeLocked releases every waiting subscriber.
func (l *sessionLog) wakeLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Append records e. Entries may arrive out of order; only the contiguous
// prefix starting at sequence 1 is visible to readers. Re-appending an
// identical entry is a no-op.
func (a *Assembler) Append(e Entry) error {
	if strings.TrimSpace(e.SessionID) == "" || e.Sequence < 1 || !e.Speaker.Valid() {
		return fmt.Errorf("%w: session=%q seq=%d speaker=%q", ErrInvalidEntry, e.SessionID, e.Sequence, e.Speaker)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.logLocked(e.SessionID)
	if l.closed {
		return fmt.Errorf("transcript for session %s is closed", e.SessionID)
	}

	next := int64(len(l.entries)) + 1
	switch {
	case e.Sequence < next:
		if l.entries[e.Sequence-1] != e {
			return fmt.Errorf("%w %d", ErrConflict, e.Sequence)
		}
		return nil
	case e.Sequence > next:
		if prev, ok := l.pending[e.Sequence]; ok && prev != e {
			return fmt.Errorf("%w %d", ErrConflict, e.Sequence)
		}
		l.pending[e.Sequence] = e
		return nil
	}

	l.entries = append(l.entries, e)
	for {
		n := int64(len(l.entries)) + 1
		p, ok := l.pending[n]
		if !ok {
			break
		}
		delete(l.pending, n)
		l.entries = append(l.entries, p)
	}
	l.wakeLocked()
	return nil
}

// Open creates the empty log of a live session so readers and subscribers
// see it before its first entry. Opening an existing log is a no-op.
func (a *Assembler) Open(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logLocked(sessionID)
}

// Read returns the visible entries with Sequence >= from, in order.
func (a *Assembler) Read(sessionID string, from int64) ([]Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.logs[sessionID]
	if !ok {
		return nil, false
	}
	return sliceFrom(l.entries, from), true
}

// Last returns the highest visible sequence number.
func (a *Assembler) Last(sessionID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.logs[sessionID]; ok {
		return int64(len(l.entries))
	}
	return 0
}

func sliceFrom(entries []Entry, from int64) []Entry {
	if from < 1 {
		from = 1
	}
	if from > int64(len(entries)) {
		return nil
	}
	out := make([]Entry, int64(len(entries))-from+1)
	copy(out, entries[from-1:])
	return out
}

// Subscribe streams entries starting at from: first everything already
// visible, then new entries as they become visible. The channel closes when
// ctx is done or after the session is closed and fully delivered. A consumer
// that falls behind only delays itself; it never loses entries.
func (a *Assembler) Subscribe(ctx context.Context, sessionID string, from int64) (<-chan Entry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrUnknown
	}
	if from < 1 {
		from = 1
	}
	a.mu.Lock()
	a.logLocked(sessionID)
	a.mu.Unlock()

	out := make(chan Entry, 16)
	go a.feed(ctx, sessionID, from, out)
	return out, nil
}

func (a *Assembler) feed(ctx context.Context, sessionID string, next int64, out chan<- Entry) {
	defer close(out)
	for {
		a.mu.Lock()
		l, ok := a.logs[sessionID]
		if !ok {
			a.mu.Unlock()
			return
		}
		batch := sliceFrom(l.entries, next)
		closed := l.closed
		wait := l.notify
		a.mu.Unlock()

		for _, e := range batch {
			select {
			case out <- e:
				next = e.Sequence + 1
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}
}

// Close marks the session finished. Subscribers drain and then stop; Read
// keeps working until Forget or Prune.
func (a *Assembler) Close(sessionID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.logs[sessionID]
	if !ok || l.closed {
		return
	}
	l.closed = true
	l.closeAt = at
	l.wakeLocked()
}

func (a *Assembler) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.logs[sessionID]; ok {
		delete(a.logs, sessionID)
		l.wakeLocked()
	}
}

// Prune forgets sessions closed before cutoff and returns how many.
func (a *Assembler) Prune(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, l := range a.logs {
		if l.closed && l.closeAt.Before(cutoff) {
			delete(a.logs, id)
			l.wakeLocked()
			n++
		}
	}
	return n
}

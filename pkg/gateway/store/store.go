// Package store persists session records and transcript entries. Every
// call is a single attempt; callers decide what a failure means.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
)

var ErrNotFound = errors.New("not found")

type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
	StatusErrored SessionStatus = "errored"
)

type SessionRecord struct {
	ID        string
	Mode      string
	Status    SessionStatus
	CreatedAt time.Time
	ClosedAt  time.Time
	Reason    string
}

type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	CloseSession(ctx context.Context, id string, status SessionStatus, reason string, at time.Time) error
	AppendTranscriptEntry(ctx context.Context, e transcript.Entry) error
	// ListTranscript returns entries with sequence >= from, ordered.
	ListTranscript(ctx context.Context, sessionID string, from int64) ([]transcript.Entry, error)
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	Ping(ctx context.Context) error
	Close()
}

// Nop drops every write and reports nothing found.
type Nop struct{}

func (Nop) CreateSession(context.Context, SessionRecord) error { return nil }
func (Nop) CloseSession(context.Context, string, SessionStatus, string, time.Time) error {
	return nil
}
func (Nop) AppendTranscriptEntry(context.Context, transcript.Entry) error { return nil }
func (Nop) ListTranscript(context.Context, string, int64) ([]transcript.Entry, error) {
	return nil, ErrNotFound
}
func (Nop) GetSession(context.Context, string) (SessionRecord, error) {
	return SessionRecord{}, ErrNotFound
}
func (Nop) Ping(context.Context) error { return nil }
func (Nop) Close()                     {}

// Memory keeps everything in process. It is used by tests and by
// single-node deployments without a database.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	entries  map[string][]transcript.Entry
	// FailAppend, when set, is returned by AppendTranscriptEntry.
	FailAppend error
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionRecord),
		entries:  make(map[string][]transcript.Entry),
	}
}

func (m *Memory) CreateSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) CloseSession(_ context.Context, id string, status SessionStatus, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Reason = reason
	rec.ClosedAt = at
	m.sessions[id] = rec
	return nil
}

func (m *Memory) AppendTranscriptEntry(_ context.Context, e transcript.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return m.FailAppend
	}
	list := m.entries[e.SessionID]
	for _, existing := range list {
		if existing.Sequence == e.Sequence {
			return nil
		}
	}
	list = append(list, e)
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	m.entries[e.SessionID] = list
	return nil
}

func (m *Memory) ListTranscript(_ context.Context, sessionID string, from int64) ([]transcript.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.entries[sessionID]
	if !ok {
		if _, known := m.sessions[sessionID]; !known {
			return nil, ErrNotFound
		}
	}
	out := make([]transcript.Entry, 0, len(list))
	for _, e := range list {
		if e.Sequence >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close()                     {}

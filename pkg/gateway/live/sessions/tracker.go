package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Handle is how the process reaches a live session without touching its
// internals. Every field is optional.
type Handle struct {
	// Cancel tears the session down immediately (shutdown path).
	Cancel func()
	// End asks the session to end cleanly.
	End  func(reason string)
	Warn func(code, message string) error
	// Info reports current mode and state.
	Info func() Info
}

type Info struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode,omitempty"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

var ErrAtCapacity = errors.New("live session limit reached")

// Tracker is the process-wide session table. Entries are added at upgrade
// and removed when the session's Run returns.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	now      func() time.Time
}

type trackedSession struct {
	id        string
	handle    Handle
	startedAt time.Time
	once      sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		now:      time.Now,
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	unregister, _ = t.register(sessionID, h, 0)
	return unregister
}

// TryRegister registers only while fewer than limit sessions are live.
// limit <= 0 means unlimited.
func (t *Tracker) TryRegister(sessionID string, h Handle, limit int) (unregister func(), err error) {
	return t.register(sessionID, h, limit)
}

func (t *Tracker) register(sessionID string, h Handle, limit int) (func(), error) {
	if t == nil {
		return func() {}, nil
	}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	if limit > 0 && old == nil && len(t.sessions) >= limit {
		t.mu.Unlock()
		return func() {}, ErrAtCapacity
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	entry := &trackedSession{id: sessionID, handle: h, startedAt: now()}
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) entries() []*trackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*trackedSession, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry != nil {
			out = append(out, entry)
		}
	}
	return out
}

func (e *trackedSession) info() Info {
	info := Info{ID: e.id, StartedAt: e.startedAt}
	if e.handle.Info != nil {
		got := e.handle.Info()
		info.Mode = got.Mode
		info.State = got.State
		if !got.StartedAt.IsZero() {
			info.StartedAt = got.StartedAt
		}
	}
	return info
}

// Lookup returns the live session's info.
func (t *Tracker) Lookup(sessionID string) (Info, bool) {
	if t == nil {
		return Info{}, false
	}
	t.mu.Lock()
	entry, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok || entry == nil {
		return Info{}, false
	}
	return entry.info(), true
}

// End asks one session to end. It reports whether the session was found.
func (t *Tracker) End(sessionID, reason string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	entry, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok || entry == nil {
		return false
	}
	if entry.handle.End != nil {
		entry.handle.End(reason)
	} else if entry.handle.Cancel != nil {
		entry.handle.Cancel()
	}
	return true
}

// Snapshot lists live sessions ordered by start time.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	entries := t.entries()
	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CountByMode groups live sessions by mode; sessions without a mode yet
// count under "".
func (t *Tracker) CountByMode() map[string]int {
	out := make(map[string]int)
	for _, info := range t.Snapshot() {
		out[info.Mode]++
	}
	return out
}

// EndExpired ends every session older than maxAge and returns how many.
func (t *Tracker) EndExpired(now time.Time, maxAge time.Duration) int {
	if t == nil || maxAge <= 0 {
		return 0
	}
	n := 0
	for _, entry := range t.entries() {
		if now.Sub(entry.startedAt) <= maxAge {
			continue
		}
		if entry.handle.End != nil {
			entry.handle.End("max_duration")
		} else if entry.handle.Cancel != nil {
			entry.handle.Cancel()
		} else {
			continue
		}
		n++
	}
	return n
}

// RunSweeper calls EndExpired every interval until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval, maxAge time.Duration, logger *slog.Logger) {
	if t == nil || interval <= 0 || maxAge <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := t.EndExpired(now, maxAge); n > 0 {
				logger.Info("ended expired live sessions", "count", n, "max_age", maxAge)
			}
		}
	}
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, entry := range t.entries() {
		if entry.handle.Warn == nil {
			continue
		}
		_ = entry.handle.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, entry := range t.entries() {
		if entry.handle.Cancel == nil {
			continue
		}
		entry.handle.Cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

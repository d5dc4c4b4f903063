package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/apierror"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
	"github.com/vango-go/vai-interview/pkg/gateway/sse"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

// SessionsHandler serves the read and control endpoints under
// /v1/sessions. Live data comes from the tracker and the transcript
// assembler; finished sessions fall back to the store.
type SessionsHandler struct {
	LiveSessions *sessions.Tracker
	Transcripts  *transcript.Assembler
	Store        store.Store
	Logger       *slog.Logger
	StoreTimeout time.Duration
	PingInterval time.Duration
}

type sessionsResponse struct {
	Active   int             `json:"active"`
	ByMode   map[string]int  `json:"by_mode"`
	Sessions []sessions.Info `json:"sessions"`
}

type sessionResponse struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode,omitempty"`
	State     string     `json:"state"`
	Live      bool       `json:"live"`
	StartedAt time.Time  `json:"started_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type transcriptResponse struct {
	SessionID string             `json:"session_id"`
	Entries   []transcript.Entry `json:"entries"`
	Last      int64              `json:"last"`
}

type streamEnd struct {
	SessionID string `json:"session_id"`
	Last      int64  `json:"last"`
}

// List handles GET /v1/sessions.
func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.LiveSessions.Snapshot()
	if snap == nil {
		snap = []sessions.Info{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{
		Active:   len(snap),
		ByMode:   h.LiveSessions.CountByMode(),
		Sessions: snap,
	})
}

// Get handles GET /v1/sessions/{id}.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if info, ok := h.LiveSessions.Lookup(id); ok {
		writeJSON(w, http.StatusOK, sessionResponse{ID: info.ID, Mode: info.Mode, State: info.State, Live: true, StartedAt: info.StartedAt})
		return
	}

	ctx, cancel := h.storeContext(r.Context())
	defer cancel()
	rec, err := h.Store.GetSession(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, "get_session", err)
		return
	}
	resp := sessionResponse{ID: rec.ID, Mode: rec.Mode, State: string(rec.Status), StartedAt: rec.CreatedAt, Reason: rec.Reason}
	if !rec.ClosedAt.IsZero() {
		closed := rec.ClosedAt
		resp.ClosedAt = &closed
	}
	writeJSON(w, http.StatusOK, resp)
}

// End handles DELETE /v1/sessions/{id}. The session ends asynchronously.
func (h SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.LiveSessions.End(id, "ended_by_operator") {
		apierror.WriteError(w, requestIDFromContext(r.Context()), store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "ending": true})
}

// Transcript handles GET /v1/sessions/{id}/transcript?from=N.
func (h SessionsHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, err := parseFrom(r)
	if err != nil {
		writeInvalidParam(w, r, "from", err.Error())
		return
	}

	if entries, ok := h.Transcripts.Read(id, from); ok {
		writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Entries: nonNil(entries), Last: h.Transcripts.Last(id)})
		return
	}

	entries, err := h.listStored(r.Context(), id, from)
	if err != nil {
		h.writeStoreError(w, r, "list_transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Entries: nonNil(entries), Last: lastSequence(entries, from)})
}

// Stream handles GET /v1/sessions/{id}/transcript/stream as server-sent
// events. Entries are delivered in sequence order with the sequence as
// the event id; a reconnecting client resumes from Last-Event-ID.
func (h SessionsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, err := parseFrom(r)
	if err != nil {
		writeInvalidParam(w, r, "from", err.Error())
		return
	}

	if !h.isLive(id, from) {
		h.replayStored(w, r, id, from)
		return
	}

	ctx := r.Context()
	feed, err := h.Transcripts.Subscribe(ctx, id, from)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(ctx), store.ErrNotFound)
		return
	}
	sw, err := sse.New(w)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(ctx), err)
		return
	}
	w.WriteHeader(http.StatusOK)

	interval := h.PingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	last := from - 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := sw.Comment("ping"); err != nil {
				return
			}
		case e, ok := <-feed:
			if !ok {
				_ = sw.Send("end", streamEnd{SessionID: id, Last: last})
				return
			}
			if err := sw.SendID(uint64(e.Sequence), "transcript_entry", e); err != nil {
				return
			}
			last = e.Sequence
		}
	}
}

// isLive reports whether id has an in-memory transcript to follow. A
// session still in the tracker counts even before its first entry.
func (h SessionsHandler) isLive(id string, from int64) bool {
	if _, ok := h.Transcripts.Read(id, from); ok {
		return true
	}
	if _, ok := h.LiveSessions.Lookup(id); ok {
		h.Transcripts.Open(id)
		return true
	}
	return false
}

func (h SessionsHandler) replayStored(w http.ResponseWriter, r *http.Request, id string, from int64) {
	entries, err := h.listStored(r.Context(), id, from)
	if err != nil {
		h.writeStoreError(w, r, "list_transcript", err)
		return
	}
	sw, err := sse.New(w)
	if err != nil {
		apierror.WriteError(w, requestIDFromContext(r.Context()), err)
		return
	}
	w.WriteHeader(http.StatusOK)
	for _, e := range entries {
		if err := sw.SendID(uint64(e.Sequence), "transcript_entry", e); err != nil {
			return
		}
	}
	_ = sw.Send("end", streamEnd{SessionID: id, Last: lastSequence(entries, from)})
}

func (h SessionsHandler) listStored(ctx context.Context, id string, from int64) ([]transcript.Entry, error) {
	if h.Store == nil {
		return nil, store.ErrNotFound
	}
	ctx, cancel := h.storeContext(ctx)
	defer cancel()
	return h.Store.ListTranscript(ctx, id, from)
}

func (h SessionsHandler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := h.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (h SessionsHandler) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	reqID := requestIDFromContext(r.Context())
	if !errors.Is(err, store.ErrNotFound) && h.Logger != nil {
		h.Logger.Error("store read failed", "op", op, "request_id", reqID, "error", err)
	}
	apierror.WriteError(w, reqID, err)
}

// parseFrom reads the first sequence to return. Last-Event-ID wins over
// the query so reconnecting event streams resume after the last entry
// they saw.
func parseFrom(r *http.Request) (int64, error) {
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, errors.New("invalid Last-Event-ID: must be a sequence number")
		}
		return n + 1, nil
	}
	raw := strings.TrimSpace(r.URL.Query().Get("from"))
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return 0, errors.New("from must be a positive integer")
	}
	return n, nil
}

func writeInvalidParam(w http.ResponseWriter, r *http.Request, param, msg string) {
	apierror.Write(w, http.StatusBadRequest, &apierror.Error{
		Type:      apierror.ErrInvalidRequest,
		Message:   msg,
		Param:     param,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func lastSequence(entries []transcript.Entry, from int64) int64 {
	if len(entries) == 0 {
		return from - 1
	}
	return entries[len(entries)-1].Sequence
}

func nonNil(entries []transcript.Entry) []transcript.Entry {
	if entries == nil {
		return []transcript.Entry{}
	}
	return entries
}

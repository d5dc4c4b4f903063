package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemory_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateSession(ctx, SessionRecord{ID: "s_1", Mode: "technical", CreatedAt: t0}))

	rec, err := m.GetSession(ctx, "s_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)

	require.NoError(t, m.CloseSession(ctx, "s_1", StatusErrored, "transport", t0.Add(time.Minute)))
	rec, _ = m.GetSession(ctx, "s_1")
	assert.Equal(t, StatusErrored, rec.Status)
	assert.Equal(t, "transport", rec.Reason)

	assert.ErrorIs(t, m.CloseSession(ctx, "missing", StatusEnded, "", t0), ErrNotFound)
}

func TestMemory_TranscriptOrderedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, seq := range []int64{2, 1, 3, 2} {
		require.NoError(t, m.AppendTranscriptEntry(ctx, transcript.Entry{
			ID: "e", SessionID: "s_1", Speaker: transcript.SpeakerAgent, Text: "x", Sequence: seq, CreatedAt: t0,
		}))
	}
	got, err := m.ListTranscript(ctx, "s_1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Sequence)
	assert.Equal(t, int64(3), got[1].Sequence)

	_, err = m.ListTranscript(ctx, "nobody", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_FailAppend(t *testing.T) {
	m := NewMemory()
	m.FailAppend = errors.New("disk full")
	assert.Error(t, m.AppendTranscriptEntry(context.Background(), transcript.Entry{SessionID: "s", Sequence: 1}))
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	ctx := context.Background()
	assert.NoError(t, s.CreateSession(ctx, SessionRecord{ID: "x"}))
	assert.NoError(t, s.AppendTranscriptEntry(ctx, transcript.Entry{}))
	_, err := s.ListTranscript(ctx, "x", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

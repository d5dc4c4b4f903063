package transcript

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(seq int64) Entry {
	speaker := SpeakerUser
	if seq%2 == 0 {
		speaker = SpeakerAgent
	}
	return Entry{
		ID:        fmt.Sprintf("e%d", seq),
		SessionID: "s_1",
		Speaker:   speaker,
		Text:      fmt.Sprintf("line %d", seq),
		Sequence:  seq,
		CreatedAt: t0.Add(time.Duration(seq) * time.Second),
	}
}

func sequences(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Sequence)
	}
	return out
}

func collect(t *testing.T, ch <-chan Entry, n int) []Entry {
	t.Helper()
	var out []Entry
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d entries", len(out), n)
		}
	}
	return out
}

func TestAssembler_OrdersBySequenceNotArrival(t *testing.T) {
	a := NewAssembler()
	for _, seq := range []int64{3, 1, 4, 2} {
		require.NoError(t, a.Append(entry(seq)))
	}
	got, ok := a.Read("s_1", 1)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3, 4}, sequences(got))
}

func TestAssembler_HidesEntriesAfterAGap(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Append(entry(1)))
	require.NoError(t, a.Append(entry(3)))

	got, _ := a.Read("s_1", 1)
	assert.Equal(t, []int64{1}, sequences(got))
	assert.Equal(t, int64(1), a.Last("s_1"))
}

func TestAssembler_ReadFromOffset(t *testing.T) {
	a := NewAssembler()
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, a.Append(entry(seq)))
	}
	got, _ := a.Read("s_1", 4)
	assert.Equal(t, []int64{4, 5}, sequences(got))

	got, _ = a.Read("s_1", 9)
	assert.Empty(t, got)

	_, ok := a.Read("missing", 1)
	assert.False(t, ok)
}

func TestAssembler_DuplicateAndConflict(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Append(entry(1)))
	require.NoError(t, a.Append(entry(1)))

	changed := entry(1)
	changed.Text = "rewritten"
	assert.ErrorIs(t, a.Append(changed), ErrConflict)

	require.NoError(t, a.Append(entry(3)))
	changed = entry(3)
	changed.Text = "other"
	assert.ErrorIs(t, a.Append(changed), ErrConflict)
}

func TestAssembler_RejectsInvalidEntries(t *testing.T) {
	a := NewAssembler()
	bad := entry(1)
	bad.Sequence = 0
	assert.ErrorIs(t, a.Append(bad), ErrInvalidEntry)

	bad = entry(1)
	bad.Speaker = "narrator"
	assert.ErrorIs(t, a.Append(bad), ErrInvalidEntry)

	bad = entry(1)
	bad.SessionID = " "
	assert.ErrorIs(t, a.Append(bad), ErrInvalidEntry)
}

func TestAssembler_SubscribeReplaysThenFollows(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Append(entry(1)))
	require.NoError(t, a.Append(entry(2)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Subscribe(ctx, "s_1", 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, sequences(collect(t, ch, 2)))

	require.NoError(t, a.Append(entry(4)))
	require.NoError(t, a.Append(entry(3)))
	assert.Equal(t, []int64{3, 4}, sequences(collect(t, ch, 2)))
}

func TestAssembler_SubscribeIsRestartable(t *testing.T) {
	a := NewAssembler()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, a.Append(entry(seq)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := a.Subscribe(ctx, "s_1", 1)
	require.NoError(t, err)
	first := collect(t, ch, 2)
	cancel()

	ch, err = a.Subscribe(context.Background(), "s_1", first[len(first)-1].Sequence+1)
	require.NoError(t, err)
	a.Close("s_1", t0)
	rest := collect(t, ch, 10)

	assert.Equal(t, []int64{1, 2, 3}, sequences(append(first, rest...)))
}

func TestAssembler_CloseEndsSubscriptionsAfterDrain(t *testing.T) {
	a := NewAssembler()
	ch, err := a.Subscribe(context.Background(), "s_1", 1)
	require.NoError(t, err)

	require.NoError(t, a.Append(entry(1)))
	a.Close("s_1", t0)

	got := collect(t, ch, 5)
	assert.Equal(t, []int64{1}, sequences(got))
	assert.Error(t, a.Append(entry(2)))
}

func TestAssembler_ConcurrentConsumersConverge(t *testing.T) {
	a := NewAssembler()
	const n = 200

	var wg sync.WaitGroup
	results := make([][]Entry, 3)
	for i := range results {
		ch, err := a.Subscribe(context.Background(), "s_1", 1)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, ch <-chan Entry) {
			defer wg.Done()
			for e := range ch {
				results[i] = append(results[i], e)
			}
		}(i, ch)
	}

	// Appenders race; the visible order is still by sequence.
	var appenders sync.WaitGroup
	for w := 0; w < 4; w++ {
		appenders.Add(1)
		go func(w int) {
			defer appenders.Done()
			for seq := int64(w + 1); seq <= n; seq += 4 {
				assert.NoError(t, a.Append(entry(seq)))
			}
		}(w)
	}
	appenders.Wait()
	a.Close("s_1", t0)
	wg.Wait()

	for i, got := range results {
		require.Len(t, got, n, "consumer %d", i)
		for j, e := range got {
			assert.Equal(t, int64(j+1), e.Sequence, "consumer %d saw a gap or reorder", i)
		}
	}
}

func TestAssembler_PruneForgetsClosedSessions(t *testing.T) {
	a := NewAssembler()
	require.NoError(t, a.Append(entry(1)))
	a.Close("s_1", t0)

	assert.Equal(t, 0, a.Prune(t0))
	assert.Equal(t, 1, a.Prune(t0.Add(time.Minute)))
	_, ok := a.Read("s_1", 1)
	assert.False(t, ok)
}

func TestAssembler_OpenMakesEmptySessionReadable(t *testing.T) {
	a := NewAssembler()
	_, ok := a.Read("s_1", 1)
	require.False(t, ok)

	a.Open("s_1")
	entries, ok := a.Read("s_1", 1)
	require.True(t, ok)
	require.Empty(t, entries)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Subscribe(ctx, "s_1", 1)
	require.NoError(t, err)

	require.NoError(t, a.Append(entry(1)))
	a.Open("s_1")
	a.Close("s_1", t0)
	assert.Equal(t, []int64{1}, sequences(collect(t, ch, 1)))
	_, open := <-ch
	assert.False(t, open)
}

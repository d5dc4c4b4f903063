package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("s1", Handle{})
	u2 := tr.Register("s2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_WaitTimesOutWhileSessionsLive(t *testing.T) {
	tr := NewTracker()
	unregister := tr.Register("s1", Handle{})
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("expected Wait to time out")
	}
}

func TestTracker_TryRegisterEnforcesLimit(t *testing.T) {
	tr := NewTracker()
	u1, err := tr.TryRegister("s1", Handle{}, 2)
	if err != nil {
		t.Fatalf("TryRegister s1: %v", err)
	}
	if _, err := tr.TryRegister("s2", Handle{}, 2); err != nil {
		t.Fatalf("TryRegister s2: %v", err)
	}
	if _, err := tr.TryRegister("s3", Handle{}, 2); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("err=%v, want ErrAtCapacity", err)
	}
	u1()
	if _, err := tr.TryRegister("s3", Handle{}, 2); err != nil {
		t.Fatalf("TryRegister after unregister: %v", err)
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("s1", Handle{Cancel: func() { c1.Add(1) }})
	tr.Register("s2", Handle{Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_WarnAll_BestEffort(t *testing.T) {
	tr := NewTracker()
	var w1, w2 atomic.Int64
	tr.Register("s1", Handle{Warn: func(string, string) error {
		w1.Add(1)
		return nil
	}})
	tr.Register("s2", Handle{Warn: func(string, string) error {
		w2.Add(1)
		return errors.New("nope")
	}})

	if sent := tr.WarnAll("draining", "test"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if w1.Load() != 1 || w2.Load() != 1 {
		t.Fatalf("warn calls=%d/%d, want 1/1", w1.Load(), w2.Load())
	}
}

func TestTracker_EndAndLookup(t *testing.T) {
	tr := NewTracker()
	var reason atomic.Value
	tr.Register("s1", Handle{
		End:  func(r string) { reason.Store(r) },
		Info: func() Info { return Info{Mode: "technical", State: "active"} },
	})

	info, ok := tr.Lookup("s1")
	if !ok || info.ID != "s1" || info.Mode != "technical" || info.State != "active" {
		t.Fatalf("info=%+v ok=%v", info, ok)
	}
	if !tr.End("s1", "client_delete") {
		t.Fatalf("expected End to find s1")
	}
	if got := reason.Load(); got != "client_delete" {
		t.Fatalf("reason=%v", got)
	}
	if tr.End("missing", "x") {
		t.Fatalf("End found a missing session")
	}
}

func TestTracker_SnapshotAndCountByMode(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	tr.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	tr.Register("b", Handle{Info: func() Info { return Info{Mode: "technical"} }})
	tr.Register("a", Handle{Info: func() Info { return Info{Mode: "behavioral"} }})
	tr.Register("c", Handle{Info: func() Info { return Info{Mode: "technical"} }})

	snap := tr.Snapshot()
	if len(snap) != 3 || snap[0].ID != "b" || snap[1].ID != "a" || snap[2].ID != "c" {
		t.Fatalf("snapshot=%+v", snap)
	}
	counts := tr.CountByMode()
	if counts["technical"] != 2 || counts["behavioral"] != 1 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestTracker_EndExpired(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	var ended atomic.Int64
	tr.Register("old", Handle{End: func(string) { ended.Add(1) }})
	tr.now = func() time.Time { return base.Add(10 * time.Minute) }
	tr.Register("new", Handle{End: func(string) { ended.Add(100) }})

	if n := tr.EndExpired(base.Add(16*time.Minute), 15*time.Minute); n != 1 {
		t.Fatalf("expired=%d, want 1", n)
	}
	if ended.Load() != 1 {
		t.Fatalf("ended=%d, want only the old session", ended.Load())
	}
}

package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_Draining(t *testing.T) {
	var nilLC *Lifecycle
	nilLC.SetDraining(true)
	if nilLC.IsDraining() {
		t.Fatal("nil lifecycle should never drain")
	}

	start := time.Unix(1_700_000_000, 0)
	lc := New(start)
	if lc.IsDraining() {
		t.Fatal("new lifecycle should not be draining")
	}
	lc.SetDraining(true)
	if !lc.IsDraining() {
		t.Fatal("expected draining")
	}
	if got := lc.Uptime(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Fatalf("Uptime=%v", got)
	}
}

package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds process state shared across handlers. Readiness
// flips false while draining for graceful shutdown.
type Lifecycle struct {
	started  time.Time
	draining atomic.Bool
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{started: now}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a nil or unstarted Lifecycle.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.started.IsZero() {
		return 0
	}
	return now.Sub(l.started)
}

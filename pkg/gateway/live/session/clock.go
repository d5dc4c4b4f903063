package session

import (
	"sync/atomic"
	"time"
)

// sessionClock maps server time onto the client's millisecond timeline so
// interruption timestamps echoed back are comparable to the client's own.
// Until the client reports a timestamp it counts from session start.
type sessionClock struct {
	start time.Time
	now   func() time.Time

	haveClient    atomic.Bool
	maxClientMS   atomic.Int64
	maxClientAtNS atomic.Int64
}

func newSessionClock(start time.Time, now func() time.Time) *sessionClock {
	if now == nil {
		now = time.Now
	}
	return &sessionClock{start: start, now: now}
}

func (c *sessionClock) NowMS() int64 {
	if c == nil {
		return 0
	}
	if c.haveClient.Load() {
		elapsed := (c.now().UnixNano() - c.maxClientAtNS.Load()) / int64(time.Millisecond)
		if elapsed < 0 {
			elapsed = 0
		}
		return c.maxClientMS.Load() + elapsed
	}
	return c.now().Sub(c.start).Milliseconds()
}

// Observe advances the clock to a client timestamp. Older timestamps are
// ignored so the clock never runs backwards.
func (c *sessionClock) Observe(ts int64) {
	if c == nil || ts < 0 {
		return
	}
	for {
		current := c.maxClientMS.Load()
		if c.haveClient.Load() && ts <= current {
			return
		}
		if c.maxClientMS.CompareAndSwap(current, ts) {
			c.maxClientAtNS.Store(c.now().UnixNano())
			c.haveClient.Store(true)
			return
		}
	}
}

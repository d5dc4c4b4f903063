// Package ratelimit bounds HTTP request rate and concurrency per client.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	// Long-lived transcript streams are counted separately from requests.
	MaxConcurrentStreams int

	// Bounds for the in-memory client map (single process).
	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return (c.RPS > 0 && c.Burst > 0) || c.MaxConcurrentRequests > 0 || c.MaxConcurrentStreams > 0
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	reqSem    chan struct{}
	streamSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
	}
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

var noopPermit = func() {}

// AcquireRequest charges one token and one request slot for client.
func (l *Limiter) AcquireRequest(client string, now time.Time) Decision {
	cl := l.client(client, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := cl.take(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{RetryAfter: retryAfter}
		}
	}
	if l.cfg.MaxConcurrentRequests <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: noopPermit}}
	}
	return acquire(cl.reqSem)
}

// AcquireStream reserves a transcript stream slot for client. Streams
// are not charged against the token bucket.
func (l *Limiter) AcquireStream(client string, now time.Time) Decision {
	cl := l.client(client, now)
	if l.cfg.MaxConcurrentStreams <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: noopPermit}}
	}
	return acquire(cl.streamSem)
}

// Len reports the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func acquire(sem chan struct{}) Decision {
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) client(key string, now time.Time) *clientLimiter {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.clients[key]; ok {
		cl.lastSeen = now
		return cl
	}
	if len(l.clients) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	cl := &clientLimiter{
		reqSem:    make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		streamSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentStreams)),
		lastSeen:  now,
	}
	l.clients[key] = cl
	return cl
}

func (l *Limiter) evictLocked(now time.Time) {
	for k, v := range l.clients {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.reqSem) == 0 && len(v.streamSem) == 0 {
			delete(l.clients, k)
		}
	}
	// Still full: drop an idle entry, or any entry as a last resort.
	if len(l.clients) < l.cfg.MaxEntries {
		return
	}
	for k, v := range l.clients {
		if len(v.reqSem) == 0 && len(v.streamSem) == 0 {
			delete(l.clients, k)
			return
		}
	}
	for k := range l.clients {
		delete(l.clients, k)
		return
	}
}

func (cl *clientLimiter) take(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{capacity: capacity, tokens: capacity, last: now}
	}
	cl.tb.capacity = capacity

	if elapsed := now.Sub(cl.tb.last).Seconds(); elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+elapsed*rps)
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - cl.tb.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

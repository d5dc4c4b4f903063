package sessions

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrPoolFull   = errors.New("worker pool queue full")
)

// Pool runs side-effect jobs for many sessions in parallel. Jobs with the
// same key always land on the same worker, so they run in submit order.
type Pool struct {
	logger *slog.Logger
	queues []chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger, queues: make([]chan func(), workers)}
	for i := range p.queues {
		q := make(chan func(), queueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go p.work(q)
	}
	return p
}

func (p *Pool) work(q <-chan func()) {
	defer p.wg.Done()
	for job := range q {
		p.run(job)
	}
}

func (p *Pool) run(job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker pool job panicked", "panic", rec)
		}
	}()
	job()
}

// Submit enqueues job on key's worker without blocking.
func (p *Pool) Submit(key string, job func()) error {
	if p == nil {
		job()
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	q := p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
	select {
	case q <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

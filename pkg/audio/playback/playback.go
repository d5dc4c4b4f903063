// Package playback coalesces inbound audio chunks into contiguous buffers and
// schedules them back to back on an output clock.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-interview/pkg/audio"
)

// Output is a device timeline. Now reports the current output position;
// Schedule places buf to start at the given position; Stop halts output
// immediately and discards anything scheduled but not yet played.
type Output interface {
	Now() time.Duration
	Schedule(buf []byte, at time.Duration) error
	Stop() error
}

// Timer is the subset of *time.Timer the pipeline needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	Format audio.Format
	// MinBuffered is the queued duration that triggers an immediate flush.
	MinBuffered time.Duration
	// MaxWait bounds how long a non-empty queue waits for more chunks.
	MaxWait time.Duration
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Scheduled records one buffer handed to the output.
type Scheduled struct {
	Start time.Duration
	End   time.Duration
	Bytes int
}

type Pipeline struct {
	out    Output
	logger *slog.Logger
	format audio.Format

	minBytes  int
	maxWait   time.Duration
	afterFunc func(time.Duration, func()) Timer

	mu        sync.Mutex
	queue     [][]byte
	queued    int
	timer     Timer
	gen       uint64
	nextStart time.Duration
	closed    bool
	history   []Scheduled
}

const maxHistory = 64

func New(out Output, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if !opts.Format.Valid() {
		opts.Format = audio.Output
	}
	if opts.MinBuffered <= 0 {
		opts.MinBuffered = 100 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 100 * time.Millisecond
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Pipeline{
		out:       out,
		logger:    logger,
		format:    opts.Format,
		minBytes:  opts.Format.Bytes(opts.MinBuffered),
		maxWait:   opts.MaxWait,
		afterFunc: opts.AfterFunc,
	}
}

// Push queues a chunk. Empty chunks are ignored. The queue is flushed as
// one buffer when it reaches the minimum size or when MaxWait elapses after
// the first queued chunk.
func (p *Pipeline) Push(chunk []byte) {
	if p == nil || len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, buf)
	p.queued += len(buf)

	if p.queued >= p.minBytes {
		p.flushLocked()
		return
	}
	if p.timer == nil {
		gen := p.gen
		p.timer = p.afterFunc(p.maxWait, func() { p.onTimer(gen) })
	}
}

// Flush schedules whatever is queued without waiting.
func (p *Pipeline) Flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

// Interrupt stops output, drops every queued and scheduled chunk, and resets
// the scheduling clock. Nothing pushed before the call is ever played.
func (p *Pipeline) Interrupt() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	if p.out != nil {
		if err := p.out.Stop(); err != nil {
			p.logger.Warn("playback stop failed", "error", err)
		}
	}
}

func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.resetLocked()
	if p.out == nil {
		return nil
	}
	return p.out.Stop()
}

// Queued returns the number of bytes waiting to be scheduled.
func (p *Pipeline) Queued() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// History returns the most recently scheduled buffers, oldest first.
func (p *Pipeline) History() []Scheduled {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Scheduled, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Pipeline) onTimer(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.closed {
		return
	}
	p.flushLocked()
}

func (p *Pipeline) flushLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	if p.queued == 0 {
		return
	}

	buf := make([]byte, 0, p.queued)
	for _, c := range p.queue {
		buf = append(buf, c...)
	}
	p.queue = p.queue[:0]
	p.queued = 0

	var now time.Duration
	if p.out != nil {
		now = p.out.Now()
	}
	start := max(now, p.nextStart)
	end := start + p.format.Duration(len(buf))
	p.nextStart = end

	p.history = append(p.history, Scheduled{Start: start, End: end, Bytes: len(buf)})
	if len(p.history) > maxHistory {
		p.history = p.history[len(p.history)-maxHistory:]
	}

	if p.out == nil {
		return
	}
	if err := p.out.Schedule(buf, start); err != nil {
		p.logger.Warn("playback schedule failed", "bytes", len(buf), "error", err)
	}
}

func (p *Pipeline) resetLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.queue = nil
	p.queued = 0
	p.nextStart = 0
	p.history = nil
}

// Package capture turns microphone blocks into canonical audio chunks and
// hands them to the transport without blocking the device callback.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-interview/pkg/audio"
)

// Source is a hardware block producer. onBlock is called on the device
// thread with raw PCM in Source.Format().
type Source interface {
	Format() audio.Format
	Start(onBlock func(block []byte)) error
	Stop() error
}

// Sink receives the pipeline's output. SendAudio must not block.
type Sink interface {
	SendInterruption(at time.Time) error
	SendAudio(chunk audio.Chunk) error
	SendAudioEnd() error
}

type Stats struct {
	Emitted int64
	Dropped int64
}

type Pipeline struct {
	src    Source
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
	target audio.Format

	mu      sync.Mutex
	running atomic.Bool
	seq     atomic.Int64

	emitted atomic.Int64
	dropped atomic.Int64
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithTargetFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.target = f
		}
	}
}

func New(src Source, sink Sink, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		src:    src,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		target: audio.Input,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start signals an interruption and then begins capturing. The interruption
// always reaches the sink before the first audio chunk. Starting a running
// pipeline is a no-op.
func (p *Pipeline) Start() error {
	if p == nil || p.src == nil || p.sink == nil {
		return errors.New("capture pipeline is not configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return nil
	}

	if err := p.sink.SendInterruption(p.now()); err != nil {
		return fmt.Errorf("send interruption: %w", err)
	}

	p.running.Store(true)
	if err := p.src.Start(p.onBlock); err != nil {
		p.running.Store(false)
		if audio.IsDeviceError(err) {
			return err
		}
		return &audio.DeviceError{Reason: audio.ReasonFailed, Op: "capture start", Err: err}
	}
	return nil
}

// Stop releases the device and tells the server the user stopped talking.
// It is idempotent.
func (p *Pipeline) Stop() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Swap(false) {
		return nil
	}

	var errs []error
	if p.src != nil {
		if err := p.src.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop source: %w", err))
		}
	}
	if p.sink != nil {
		if err := p.sink.SendAudioEnd(); err != nil {
			errs = append(errs, fmt.Errorf("send audio end: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) Running() bool {
	return p != nil && p.running.Load()
}

func (p *Pipeline) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{Emitted: p.emitted.Load(), Dropped: p.dropped.Load()}
}

func (p *Pipeline) onBlock(block []byte) {
	if !p.running.Load() || len(block) == 0 {
		return
	}
	data := audio.Normalize(block, p.src.Format(), p.target)
	if len(data) == 0 {
		return
	}
	chunk := audio.Chunk{
		Data:       data,
		Format:     p.target,
		Seq:        p.seq.Add(1),
		ProducedAt: p.now(),
	}
	if err := p.sink.SendAudio(chunk); err != nil {
		p.dropped.Add(1)
		p.logger.Debug("capture chunk dropped", "seq", chunk.Seq, "error", err)
		return
	}
	p.emitted.Add(1)
}

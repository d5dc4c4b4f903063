package playback

import (
	"io"
	"sync"
	"time"

	"github.com/vango-go/vai-interview/pkg/audio"
)

// Stream is an Output that a pull-based device reads from. Buffers are laid
// out on a byte timeline; a buffer scheduled past the end of the timeline is
// preceded by silence so it starts at its requested position.
type Stream struct {
	format audio.Format

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []byte
	pulled   int64
	buffered func() int
	closed   bool
	epoch    uint64
}

func NewStream(format audio.Format) *Stream {
	if !format.Valid() {
		format = audio.Output
	}
	s := &Stream{format: format}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetBufferedFunc reports bytes the device has read but not yet played.
func (s *Stream) SetBufferedFunc(f func() int) {
	s.mu.Lock()
	s.buffered = f
	s.mu.Unlock()
}

func (s *Stream) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	played := s.pulled
	if s.buffered != nil {
		played -= int64(s.buffered())
	}
	if played < 0 {
		played = 0
	}
	return s.format.Duration(int(played))
}

func (s *Stream) Schedule(buf []byte, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	end := s.pulled + int64(len(s.pending))
	if want := int64(s.format.Bytes(at)); want > end {
		s.pending = append(s.pending, make([]byte, want-end)...)
	}
	s.pending = append(s.pending, buf...)
	s.cond.Broadcast()
	return nil
}

// Stop discards everything not yet read and restarts the timeline at zero.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.pulled = 0
	s.epoch++
	s.cond.Broadcast()
	return nil
}

// Reader returns a reader bound to the current timeline. It reports io.EOF
// once the stream is stopped, so a device player created before Stop never
// consumes audio scheduled after it.
func (s *Stream) Reader() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &epochReader{s: s, epoch: s.epoch}
}

type epochReader struct {
	s     *Stream
	epoch uint64
}

func (r *epochReader) Read(p []byte) (int, error) {
	return r.s.read(p, r.epoch)
}

// Pending returns the unread length in bytes.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Read blocks until audio is scheduled or the stream is closed.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	return s.read(p, epoch)
}

func (s *Stream) read(p []byte, epoch uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed && s.epoch == epoch {
		s.cond.Wait()
	}
	if s.epoch != epoch || len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.pulled += int64(n)
	return n, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	s.cond.Broadcast()
	return nil
}

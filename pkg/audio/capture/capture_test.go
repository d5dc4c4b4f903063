package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-interview/pkg/audio"
)

type fakeSource struct {
	format   audio.Format
	startErr error
	onBlock  func([]byte)
	starts   int
	stops    int
}

func (s *fakeSource) Format() audio.Format { return s.format }

func (s *fakeSource) Start(onBlock func([]byte)) error {
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.onBlock = onBlock
	return nil
}

func (s *fakeSource) Stop() error {
	s.stops++
	s.onBlock = nil
	return nil
}

func (s *fakeSource) emit(b []byte) {
	if s.onBlock != nil {
		s.onBlock(b)
	}
}

type event struct {
	kind  string
	chunk audio.Chunk
}

type recordingSink struct {
	mu       sync.Mutex
	events   []event
	audioErr error
}

func (s *recordingSink) SendInterruption(time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{kind: "interruption"})
	return nil
}

func (s *recordingSink) SendAudio(c audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioErr != nil {
		return s.audioErr
	}
	s.events = append(s.events, event{kind: "audio", chunk: c})
	return nil
}

func (s *recordingSink) SendAudioEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{kind: "end"})
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.kind)
	}
	return out
}

func TestPipeline_InterruptionPrecedesFirstChunk(t *testing.T) {
	src := &fakeSource{format: audio.Input}
	sink := &recordingSink{}
	p := New(src, sink, nil)

	require.NoError(t, p.Start())
	src.emit(make([]byte, 640))
	src.emit(make([]byte, 640))

	assert.Equal(t, []string{"interruption", "audio", "audio"}, sink.kinds())
	assert.Equal(t, int64(1), sink.events[1].chunk.Seq)
	assert.Equal(t, int64(2), sink.events[2].chunk.Seq)
	assert.Equal(t, audio.Input, sink.events[1].chunk.Format)
}

func TestPipeline_OneChunkPerBlockNormalized(t *testing.T) {
	src := &fakeSource{format: audio.Format{SampleRate: 48000, Channels: 2}}
	sink := &recordingSink{}
	p := New(src, sink, nil)
	require.NoError(t, p.Start())

	// 20ms of 48kHz stereo becomes 20ms of 16kHz mono.
	src.emit(make([]byte, 960*4))
	require.Len(t, sink.events, 2)
	assert.Len(t, sink.events[1].chunk.Data, 640)
	assert.Equal(t, 20*time.Millisecond, sink.events[1].chunk.Duration())
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	src := &fakeSource{format: audio.Input}
	sink := &recordingSink{}
	p := New(src, sink, nil)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.Equal(t, 1, src.stops)
	assert.Equal(t, []string{"interruption", "end"}, sink.kinds())
	assert.False(t, p.Running())
}

func TestPipeline_StartWhileRunningIsNoop(t *testing.T) {
	src := &fakeSource{format: audio.Input}
	sink := &recordingSink{}
	p := New(src, sink, nil)
	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.Equal(t, 1, src.starts)
	assert.Equal(t, []string{"interruption"}, sink.kinds())
}

func TestPipeline_StartFailureIsDeviceError(t *testing.T) {
	src := &fakeSource{format: audio.Input, startErr: &audio.DeviceError{Reason: audio.ReasonPermissionDenied, Op: "capture"}}
	p := New(src, &recordingSink{}, nil)

	err := p.Start()
	var de *audio.DeviceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, audio.ReasonPermissionDenied, de.Reason)
	assert.False(t, p.Running())

	src.startErr = errors.New("no backend")
	err = p.Start()
	require.True(t, errors.As(err, &de))
	assert.Equal(t, audio.ReasonFailed, de.Reason)
}

func TestPipeline_SinkFullDropsWithoutBlocking(t *testing.T) {
	src := &fakeSource{format: audio.Input}
	sink := &recordingSink{}
	p := New(src, sink, nil)
	require.NoError(t, p.Start())

	sink.audioErr = errors.New("queue full")
	src.emit(make([]byte, 640))
	src.emit(nil)

	assert.Equal(t, Stats{Emitted: 0, Dropped: 1}, p.Stats())
}

func TestPipeline_BlocksAfterStopAreIgnored(t *testing.T) {
	src := &fakeSource{format: audio.Input}
	sink := &recordingSink{}
	p := New(src, sink, nil)
	require.NoError(t, p.Start())
	cb := src.onBlock
	require.NoError(t, p.Stop())

	cb(make([]byte, 640))
	assert.Equal(t, []string{"interruption", "end"}, sink.kinds())
}

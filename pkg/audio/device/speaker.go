package device

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/audio/playback"
)

// Speaker is a playback.Output on the default oto device. oto allows one
// context per process, so create a single Speaker and share it.
type Speaker struct {
	ctx    *oto.Context
	stream *playback.Stream

	mu     sync.Mutex
	player *oto.Player
}

func NewSpeaker(format audio.Format) (*Speaker, error) {
	if !format.Valid() {
		format = audio.Output
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		// 100ms keeps interruption latency low.
		BufferSize: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, &audio.DeviceError{Reason: audio.ReasonUnavailable, Op: "init speaker", Err: err}
	}
	<-ready
	return &Speaker{ctx: ctx, stream: playback.NewStream(format)}, nil
}

func (s *Speaker) Now() time.Duration {
	return s.stream.Now()
}

// Schedule starts a player lazily on the first buffer after a stop.
func (s *Speaker) Schedule(buf []byte, at time.Duration) error {
	if err := s.stream.Schedule(buf, at); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		p := s.ctx.NewPlayer(s.stream.Reader())
		s.stream.SetBufferedFunc(p.BufferedSize)
		p.Play()
		s.player = p
	}
	return nil
}

// Stop silences output at once and discards everything buffered.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	p := s.player
	s.player = nil
	s.mu.Unlock()

	s.stream.SetBufferedFunc(nil)
	if err := s.stream.Stop(); err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	p.Pause()
	return p.Close()
}

func (s *Speaker) Close() error {
	err := s.Stop()
	_ = s.stream.Close()
	return err
}

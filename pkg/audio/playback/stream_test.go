package playback

import (
	"io"
	"testing"
	"time"

	"github.com/vango-go/vai-interview/pkg/audio"
)

func TestStream_ReadReturnsScheduledBytesInOrder(t *testing.T) {
	s := NewStream(audio.Output)
	if err := s.Schedule([]byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule([]byte{5, 6}, audio.Output.Duration(4)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("read %v", buf[:n])
	}
}

func TestStream_PadsSilenceForLateStart(t *testing.T) {
	s := NewStream(audio.Output)
	_ = s.Schedule([]byte{9, 9}, 0)
	// 1ms at 24kHz mono is 48 bytes.
	_ = s.Schedule([]byte{7, 7}, time.Millisecond)
	if got := s.Pending(); got != 50 {
		t.Fatalf("pending=%d, want 50", got)
	}
}

func TestStream_NowTracksPulledMinusBuffered(t *testing.T) {
	s := NewStream(audio.Output)
	_ = s.Schedule(make([]byte, 4800), 0)
	buf := make([]byte, 4800)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := s.Now(); got != 100*time.Millisecond {
		t.Fatalf("Now=%v, want 100ms", got)
	}
	s.SetBufferedFunc(func() int { return 2400 })
	if got := s.Now(); got != 50*time.Millisecond {
		t.Fatalf("Now=%v, want 50ms", got)
	}
}

func TestStream_StopDiscardsAndResets(t *testing.T) {
	s := NewStream(audio.Output)
	_ = s.Schedule(make([]byte, 4800), 0)
	_, _ = s.Read(make([]byte, 100))
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Pending() != 0 || s.Now() != 0 {
		t.Fatalf("pending=%d now=%v after stop", s.Pending(), s.Now())
	}
}

func TestStream_CloseUnblocksReader(t *testing.T) {
	s := NewStream(audio.Output)
	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = s.Close()
	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("err=%v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader still blocked after Close")
	}
	if err := s.Schedule([]byte{1}, 0); err == nil {
		t.Fatalf("expected error scheduling on closed stream")
	}
}

func TestStream_StaleReaderStopsAfterStop(t *testing.T) {
	s := NewStream(audio.Output)
	old := s.Reader()
	_ = s.Stop()
	_ = s.Schedule([]byte{1, 2}, 0)

	if _, err := old.Read(make([]byte, 2)); err != io.EOF {
		t.Fatalf("stale reader err=%v, want EOF", err)
	}
	n, err := s.Reader().Read(make([]byte, 2))
	if err != nil || n != 2 {
		t.Fatalf("fresh reader n=%d err=%v", n, err)
	}
}

// Package audio holds the PCM format shared by the capture and playback
// pipelines. All audio is signed 16-bit little-endian PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is fixed: every buffer in the system is s16le.
const BytesPerSample = 2

// Format describes interleaved s16le PCM.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// Input is the canonical capture format sent to the server.
	Input = Format{SampleRate: 16000, Channels: 1}
	// Output is the format the server streams back for playback.
	Output = Format{SampleRate: 24000, Channels: 1}
)

func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

func (f Format) frameBytes() int {
	return f.Channels * BytesPerSample
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.frameBytes()
}

// Duration converts a byte length to playback time.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes converts a duration to a frame-aligned byte length.
func (f Format) Bytes(d time.Duration) int {
	if d <= 0 || !f.Valid() {
		return 0
	}
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.frameBytes()
}

func (f Format) String() string {
	return fmt.Sprintf("s16le/%dHz/%dch", f.SampleRate, f.Channels)
}

// Chunk is one block of audio travelling in a single direction. Seq is
// monotonic per producer.
type Chunk struct {
	Data       []byte
	Format     Format
	Seq        int64
	ProducedAt time.Time
}

func (c Chunk) Duration() time.Duration {
	return c.Format.Duration(len(c.Data))
}

// DeviceErrorReason classifies why an audio device could not be used.
type DeviceErrorReason string

const (
	ReasonPermissionDenied DeviceErrorReason = "permission_denied"
	ReasonUnavailable      DeviceErrorReason = "unavailable"
	ReasonFailed           DeviceErrorReason = "failed"
)

// DeviceError is returned when a capture or playback device cannot be
// acquired. It is fatal to that attempt only.
type DeviceError struct {
	Reason DeviceErrorReason
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	msg := "audio device " + e.Op + ": " + string(e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsDeviceError reports whether err carries a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// Normalize converts pcm from one format to another: channels are averaged
// down to mono (or duplicated up), then the sample rate is converted with
// linear interpolation. A trailing partial frame is dropped.
func Normalize(pcm []byte, from, to Format) []byte {
	if !from.Valid() || !to.Valid() || len(pcm) == 0 {
		return nil
	}
	if from == to {
		n := len(pcm) - len(pcm)%from.frameBytes()
		out := make([]byte, n)
		copy(out, pcm[:n])
		return out
	}
	mono := downmix(pcm, from.Channels)
	mono = resample(mono, from.SampleRate, to.SampleRate)
	if to.Channels == 1 {
		return encode(mono)
	}
	out := make([]int16, 0, len(mono)*to.Channels)
	for _, s := range mono {
		for c := 0; c < to.Channels; c++ {
			out = append(out, s)
		}
	}
	return encode(out)
}

func downmix(pcm []byte, channels int) []int16 {
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		base := i * frameBytes
		for c := 0; c < channels; c++ {
			off := base + c*BytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

func resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(in[idx]), float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

func encode(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// Package device binds the capture and playback pipelines to real hardware:
// malgo for the microphone and oto for the speaker.
package device

import (
	"errors"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-interview/pkg/audio"
)

// Microphone is a capture.Source backed by the default malgo capture device.
// miniaudio converts to the requested format, so blocks arrive already in
// Format().
type Microphone struct {
	format audio.Format
	period uint32

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func NewMicrophone(format audio.Format) *Microphone {
	if !format.Valid() {
		format = audio.Input
	}
	return &Microphone{format: format, period: 20}
}

func (m *Microphone) Format() audio.Format {
	return m.format
}

func (m *Microphone) Start(onBlock func(block []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return deviceError("init context", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.format.Channels)
	deviceConfig.SampleRate = uint32(m.format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = m.period

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			block := make([]byte, len(in))
			copy(block, in)
			onBlock(block)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		freeContext(ctx)
		return deviceError("init capture device", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(ctx)
		return deviceError("start capture device", err)
	}
	m.ctx = ctx
	m.device = dev
	return nil
}

// Stop releases the device. Calling it on a stopped microphone is a no-op.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	var errs []error
	if err := m.device.Stop(); err != nil {
		errs = append(errs, err)
	}
	m.device.Uninit()
	m.device = nil
	freeContext(m.ctx)
	m.ctx = nil
	return errors.Join(errs...)
}

func freeContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}

func deviceError(op string, err error) error {
	reason := audio.ReasonFailed
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		reason = audio.ReasonPermissionDenied
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrNoBackend), errors.Is(err, malgo.ErrDeviceNotInitialized):
		reason = audio.ReasonUnavailable
	}
	return &audio.DeviceError{Reason: reason, Op: op, Err: err}
}

package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/meetscribe-ai/meetscribe/pkg/audio"
	"github.com/meetscribe-ai/meetscribe/pkg/frame"
)

// MalgoConfig selects the device formats requested from the OS. Zero
// fields fall back to the defaults below; the worker consumes whatever the
// engine detects, so these only affect quality, not correctness.
type MalgoConfig struct {
	SystemSampleRate int
	SystemChannels   int
	MicSampleRate    int
	MicChannels      int
}

func (c MalgoConfig) withDefaults() MalgoConfig {
	if c.SystemSampleRate == 0 {
		c.SystemSampleRate = 48000
	}
	if c.SystemChannels == 0 {
		c.SystemChannels = 2
	}
	if c.MicSampleRate == 0 {
		c.MicSampleRate = 16000
	}
	if c.MicChannels == 0 {
		c.MicChannels = 1
	}
	return c
}

// MalgoSource is the default OS capture source: a microphone capture
// device plus a loopback device for system audio, both via miniaudio.
// Platforms without loopback support degrade to mic-only with a logged
// warning.
type MalgoSource struct {
	cfg    MalgoConfig
	logger Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	mic     *malgo.Device
	system  *malgo.Device
	epoch   time.Time
	started bool
}

func NewMalgoSource(cfg MalgoConfig, logger Logger) *MalgoSource {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &MalgoSource{cfg: cfg.withDefaults(), logger: logger}
}

// Start implements Source. The filter handle is not interpreted here: in
// window-capture mode the OS decides what the loopback device hears, and
// the source records whatever is delivered.
func (s *MalgoSource) Start(_ context.Context, _ Filter, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: source already started", ErrBadState)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	s.mctx = mctx
	s.epoch = time.Now()

	mic, err := s.initDevice(malgo.Capture, frame.StreamMic, sink,
		malgo.FormatS16, audio.FormatInt16, s.cfg.MicSampleRate, s.cfg.MicChannels)
	if err != nil {
		s.teardownLocked()
		return fmt.Errorf("init mic device: %w", err)
	}
	s.mic = mic

	system, err := s.initDevice(malgo.Loopback, frame.StreamSystem, sink,
		malgo.FormatF32, audio.FormatFloat32, s.cfg.SystemSampleRate, s.cfg.SystemChannels)
	if err != nil {
		// WASAPI-only feature on some platforms; keep recording the mic
		s.logger.Warn("system loopback unavailable, mic only", "error", err)
	} else {
		s.system = system
	}

	if err := s.mic.Start(); err != nil {
		s.teardownLocked()
		return fmt.Errorf("start mic device: %w", err)
	}
	if s.system != nil {
		if err := s.system.Start(); err != nil {
			s.logger.Warn("system loopback start failed, mic only", "error", err)
			s.system.Uninit()
			s.system = nil
		}
	}

	s.started = true
	return nil
}

func (s *MalgoSource) initDevice(devType malgo.DeviceType, stream frame.Stream, sink Sink,
	mFormat malgo.FormatType, aFormat audio.SampleFormat, rate, channels int) (*malgo.Device, error) {

	cfg := malgo.DefaultDeviceConfig(devType)
	cfg.Capture.Format = mFormat
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(rate)
	cfg.Alsa.NoMMap = 1

	onSamples := func(_, pInput []byte, frameCount uint32) {
		if len(pInput) == 0 || frameCount == 0 {
			return
		}
		data := make([]byte, len(pInput))
		copy(data, pInput)
		sink.OnAudio(stream, audio.SampleBuffer{
			Format:      aFormat,
			SampleRate:  rate,
			Channels:    channels,
			Interleaved: true,
			Data:        [][]byte{data},
			Frames:      int(frameCount),
			PTSMicros:   time.Since(s.epoch).Microseconds(),
		})
	}

	return malgo.InitDevice(s.mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
}

// Stop implements Source.
func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.teardownLocked()
	s.started = false
	return nil
}

func (s *MalgoSource) teardownLocked() {
	if s.mic != nil {
		s.mic.Uninit()
		s.mic = nil
	}
	if s.system != nil {
		s.system.Uninit()
		s.system = nil
	}
	if s.mctx != nil {
		_ = s.mctx.Uninit()
		s.mctx.Free()
		s.mctx = nil
	}
}

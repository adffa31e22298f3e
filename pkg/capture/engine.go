// Package capture orchestrates the OS capture session: it receives raw
// sample buffers for the system and mic streams, converts them to the
// canonical PCM chunk, anchors meeting time to the first observed PTS and
// forwards audio frames to the worker supervisor.
package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/meetscribe-ai/meetscribe/pkg/audio"
	"github.com/meetscribe-ai/meetscribe/pkg/frame"
)

// Logger is the narrow logging surface used across the module.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noOpLogger struct{}

func (noOpLogger) Debug(msg string, args ...interface{}) {}
func (noOpLogger) Info(msg string, args ...interface{})  {}
func (noOpLogger) Warn(msg string, args ...interface{})  {}
func (noOpLogger) Error(msg string, args ...interface{}) {}

// PendingCap bounds the pre-handshake audio queue; oldest chunks are
// dropped on overflow.
const PendingCap = 200

// State is the engine lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// StreamFormat is the detected shape of one stream; zero until the first
// sample buffer arrives.
type StreamFormat struct {
	SampleRate int
	Channels   int
}

// Formats is a per-stream format snapshot. A stream whose format is still
// unknown has a zero entry.
type Formats struct {
	System StreamFormat
	Mic    StreamFormat
}

// Filter is the opaque content-filter handle handed to the Source; the
// engine never interprets it.
type Filter struct {
	Handle any
	Label  string
}

// FrameWriter is where emitted audio frames go (the worker supervisor).
type FrameWriter interface {
	SendFrame(frame.Frame) error
}

// Sink receives sample buffers from a Source on OS-provided queues, one
// serial queue per stream.
type Sink interface {
	OnAudio(stream frame.Stream, buf audio.SampleBuffer)
	OnStreamError(stream frame.Stream, err error)
}

// Source is the OS capture session behind the engine: screen-capture
// system audio plus a microphone. Implementations deliver buffers to the
// sink until Stop.
type Source interface {
	Start(ctx context.Context, filter Filter, sink Sink) error
	Stop() error
}

// MeterFunc receives RMS levels in [0, 1]; it must not block (it is called
// from the capture callback path).
type MeterFunc func(stream frame.Stream, level float64)

type pendingChunk struct {
	stream frame.Stream
	pts    int64
	pcm    []byte
}

// streamDebug is one stream's error counters.
type streamDebug struct {
	Errors    uint64
	LastError string
}

// DebugStats is a snapshot of the engine's debug surface.
type DebugStats struct {
	State          State
	System         streamDebug
	Mic            streamDebug
	PendingLen     int
	PendingDropped uint64
}

// Engine is the capture state machine. The audio-state mutex guards only
// O(1) state mutation; extraction runs before it and frame emission after
// it, never inside.
type Engine struct {
	source Source
	logger Logger
	meter  MeterFunc

	mu        sync.Mutex
	state     State
	writer    FrameWriter
	enabled   bool
	formats   map[frame.Stream]StreamFormat
	pending   []pendingChunk
	dropped   uint64
	startPTS  int64
	lastRel   int64
	havePTS   bool
	debug     map[frame.Stream]*streamDebug
	bothKnown chan struct{}

	recordDir string
	wavMu     sync.Mutex
	wavs      map[frame.Stream]*audio.WavWriter
}

func NewEngine(source Source, logger Logger) *Engine {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Engine{
		source: source,
		logger: logger,
		state:  StateIdle,
	}
}

// SetMeter registers the level-meter observer. Must be set before Start.
func (e *Engine) SetMeter(fn MeterFunc) { e.meter = fn }

// Start configures the capture session. recordDir, when non-empty, enables
// per-stream WAV dumps of the canonical PCM into that directory. The
// starting→running transition happens on the first sample buffer.
func (e *Engine) Start(ctx context.Context, filter Filter, writer FrameWriter, recordDir string) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadState, state)
	}
	e.state = StateStarting
	e.writer = writer
	e.enabled = false
	e.formats = make(map[frame.Stream]StreamFormat)
	e.pending = nil
	e.dropped = 0
	e.havePTS = false
	e.lastRel = 0
	e.debug = map[frame.Stream]*streamDebug{
		frame.StreamSystem: {},
		frame.StreamMic:    {},
	}
	e.bothKnown = make(chan struct{})
	e.recordDir = recordDir
	e.mu.Unlock()

	e.wavMu.Lock()
	e.wavs = make(map[frame.Stream]*audio.WavWriter)
	e.wavMu.Unlock()

	if err := e.source.Start(ctx, filter, e); err != nil {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return fmt.Errorf("start capture source: %w", err)
	}
	e.logger.Info("capture session starting", "filter", filter.Label, "record", recordDir != "")
	return nil
}

// Stop tears the capture session down and closes any record writers.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateStarting && e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	e.mu.Unlock()

	err := e.source.Stop()

	e.wavMu.Lock()
	for _, w := range e.wavs {
		if w == nil {
			continue
		}
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.wavs = nil
	e.wavMu.Unlock()

	e.mu.Lock()
	e.state = StateIdle
	e.enabled = false
	e.pending = nil
	e.havePTS = false
	e.lastRel = 0
	e.mu.Unlock()

	e.logger.Info("capture session stopped")
	return err
}

// OnAudio implements Sink. It runs on an OS capture queue and must not
// block: extract, O(1) state update, emit.
func (e *Engine) OnAudio(stream frame.Stream, buf audio.SampleBuffer) {
	chunk, err := audio.Extract(buf)
	if err != nil {
		e.countError(stream, err)
		return
	}

	e.mu.Lock()
	if e.state != StateStarting && e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	if e.state == StateStarting {
		e.state = StateRunning
	}
	if !e.havePTS {
		// first buffer on either stream defines t=0 of the meeting
		e.startPTS = chunk.PTSMicros
		e.havePTS = true
	}
	rel := chunk.PTSMicros - e.startPTS
	if rel > e.lastRel {
		e.lastRel = rel
	}

	if _, known := e.formats[stream]; !known {
		e.formats[stream] = StreamFormat{SampleRate: buf.SampleRate, Channels: buf.Channels}
		if len(e.formats) == 2 {
			close(e.bothKnown)
		}
	}

	enabled := e.enabled
	writer := e.writer
	if !enabled {
		if len(e.pending) >= PendingCap {
			e.pending = e.pending[1:]
			e.dropped++
		}
		e.pending = append(e.pending, pendingChunk{stream: stream, pts: rel, pcm: chunk.PCM})
	}
	e.mu.Unlock()

	if e.meter != nil {
		e.meter(stream, audio.RMS(chunk.PCM))
	}
	e.teeRecord(stream, buf.SampleRate, chunk.PCM)

	if enabled && writer != nil {
		_ = writer.SendFrame(frame.Frame{
			Type:      frame.Audio,
			Stream:    stream,
			PTSMicros: rel,
			Payload:   chunk.PCM,
		})
	}
}

// OnStreamError implements Sink; failures are counted and surfaced via the
// debug stats, recording continues.
func (e *Engine) OnStreamError(stream frame.Stream, err error) {
	e.countError(stream, err)
}

func (e *Engine) countError(stream frame.Stream, err error) {
	e.mu.Lock()
	if d, ok := e.debug[stream]; ok {
		d.Errors++
		d.LastError = err.Error()
	}
	e.mu.Unlock()
	e.logger.Warn("capture callback error", "stream", stream.String(), "error", err)
}

// EnableAudioOutput gates frame emission. Enabling drains the pending
// queue to the writer in order before live chunks flow; this is what
// guarantees MEETING_START precedes the first AUDIO frame.
func (e *Engine) EnableAudioOutput(enable bool) {
	e.mu.Lock()
	if !enable {
		e.enabled = false
		e.mu.Unlock()
		return
	}
	if e.enabled {
		e.mu.Unlock()
		return
	}
	for {
		if len(e.pending) == 0 {
			e.enabled = true
			e.mu.Unlock()
			return
		}
		batch := e.pending
		e.pending = nil
		writer := e.writer
		e.mu.Unlock()

		for _, c := range batch {
			if writer != nil {
				_ = writer.SendFrame(frame.Frame{
					Type:      frame.Audio,
					Stream:    c.stream,
					PTSMicros: c.pts,
					Payload:   c.pcm,
				})
			}
		}
		e.mu.Lock()
	}
}

// WaitForFormats blocks until both stream formats are known or the timeout
// elapses, returning whatever was detected (partial results allowed).
func (e *Engine) WaitForFormats(timeout time.Duration) Formats {
	e.mu.Lock()
	ch := e.bothKnown
	e.mu.Unlock()

	if ch != nil {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ch:
		case <-t.C:
		}
	}
	return e.FormatSnapshot()
}

// FormatSnapshot returns the formats detected so far.
func (e *Engine) FormatSnapshot() Formats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Formats{
		System: e.formats[frame.StreamSystem],
		Mic:    e.formats[frame.StreamMic],
	}
}

// MeetingStartPTS exposes the t=0 anchor. Returns false until the first
// sample buffer has been observed.
func (e *Engine) MeetingStartPTS() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startPTS, e.havePTS
}

// MeetingNow reports the current meeting-relative time in microseconds,
// tracked from the newest capture PTS. The screenshot scheduler uses it to
// stamp stills with capture-aligned timestamps.
func (e *Engine) MeetingNow() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRel, e.havePTS
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DebugStats snapshots the error counters and queue state.
func (e *Engine) DebugStats() DebugStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := DebugStats{
		State:          e.state,
		PendingLen:     len(e.pending),
		PendingDropped: e.dropped,
	}
	if d := e.debug[frame.StreamSystem]; d != nil {
		out.System = *d
	}
	if d := e.debug[frame.StreamMic]; d != nil {
		out.Mic = *d
	}
	return out
}

// teeRecord lazily opens one WAV writer per stream (the sample rate is
// only known once the first chunk arrives) and appends the chunk.
func (e *Engine) teeRecord(stream frame.Stream, sampleRate int, pcm []byte) {
	e.mu.Lock()
	dir := e.recordDir
	e.mu.Unlock()
	if dir == "" {
		return
	}

	e.wavMu.Lock()
	defer e.wavMu.Unlock()
	if e.wavs == nil {
		return
	}
	w, ok := e.wavs[stream]
	if !ok {
		var err error
		w, err = audio.NewWavWriter(filepath.Join(dir, stream.String()+".wav"), sampleRate)
		if err != nil {
			e.logger.Error("record wav open failed", "stream", stream.String(), "error", err)
			e.wavs[stream] = nil
			return
		}
		e.wavs[stream] = w
	}
	if w == nil {
		return
	}
	if err := w.Write(pcm); err != nil {
		e.logger.Error("record wav write failed", "stream", stream.String(), "error", err)
	}
}

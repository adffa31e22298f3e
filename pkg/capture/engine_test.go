package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/meetscribe-ai/meetscribe/pkg/audio"
	"github.com/meetscribe-ai/meetscribe/pkg/frame"
)

// fakeSource hands the sink straight back so tests can inject buffers.
type fakeSource struct {
	mu      sync.Mutex
	sink    Sink
	stopped bool
}

func (f *fakeSource) Start(_ context.Context, _ Filter, sink Sink) error {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

type fakeWriter struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (w *fakeWriter) SendFrame(f frame.Frame) error {
	w.mu.Lock()
	w.frames = append(w.frames, f)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) all() []frame.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]frame.Frame, len(w.frames))
	copy(out, w.frames)
	return out
}

func int16Buf(rate, channels int, pts int64, vals ...int16) audio.SampleBuffer {
	data := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.SampleBuffer{
		Format:      audio.FormatInt16,
		SampleRate:  rate,
		Channels:    channels,
		Interleaved: true,
		Data:        [][]byte{data},
		Frames:      len(vals) / channels,
		PTSMicros:   pts,
	}
}

func startedEngine(t *testing.T) (*Engine, *fakeSource, *fakeWriter) {
	t.Helper()
	src := &fakeSource{}
	w := &fakeWriter{}
	e := NewEngine(src, nil)
	if err := e.Start(context.Background(), Filter{Label: "display 1"}, w, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e, src, w
}

func TestFormatDetection(t *testing.T) {
	e, src, _ := startedEngine(t)
	defer e.Stop()

	if e.State() != StateStarting {
		t.Fatalf("state %s, want starting", e.State())
	}

	// system 48000/1ch at t=0, mic 16000/1ch at t=0.05
	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 1_000_000, 1, 2, 3))
	src.sink.OnAudio(frame.StreamMic, int16Buf(16000, 1, 1_050_000, 4, 5))

	if e.State() != StateRunning {
		t.Fatalf("state %s, want running after first buffer", e.State())
	}

	fs := e.WaitForFormats(2 * time.Second)
	if fs.System.SampleRate != 48000 || fs.System.Channels != 1 {
		t.Fatalf("system format %+v", fs.System)
	}
	if fs.Mic.SampleRate != 16000 || fs.Mic.Channels != 1 {
		t.Fatalf("mic format %+v", fs.Mic)
	}

	if pts, ok := e.MeetingStartPTS(); !ok || pts != 1_000_000 {
		t.Fatalf("meeting start pts %d ok=%v", pts, ok)
	}
	if now, ok := e.MeetingNow(); !ok || now != 50_000 {
		t.Fatalf("meeting now %d ok=%v, want 50000 (newest buffer)", now, ok)
	}
}

func TestWaitForFormatsPartial(t *testing.T) {
	e, src, _ := startedEngine(t)
	defer e.Stop()

	src.sink.OnAudio(frame.StreamSystem, int16Buf(44100, 2, 0, 1, 2))

	start := time.Now()
	fs := e.WaitForFormats(50 * time.Millisecond)
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before deadline with only one format")
	}
	if fs.System.SampleRate != 44100 {
		t.Fatalf("system format %+v", fs.System)
	}
	if fs.Mic != (StreamFormat{}) {
		t.Fatalf("mic format should be unknown, got %+v", fs.Mic)
	}
}

func TestPendingGating(t *testing.T) {
	e, src, w := startedEngine(t)
	defer e.Stop()

	// frames before enable are buffered, not written
	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 100, 1))
	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 200, 2))
	src.sink.OnAudio(frame.StreamMic, int16Buf(16000, 1, 300, 3))
	if n := len(w.all()); n != 0 {
		t.Fatalf("%d frames written before enable", n)
	}

	e.EnableAudioOutput(true)

	got := w.all()
	if len(got) != 3 {
		t.Fatalf("drained %d frames, want 3", len(got))
	}
	// order preserved, PTS relative to the first buffer
	wantPTS := []int64{0, 100, 200}
	wantStream := []frame.Stream{frame.StreamSystem, frame.StreamSystem, frame.StreamMic}
	for i := range got {
		if got[i].PTSMicros != wantPTS[i] || got[i].Stream != wantStream[i] || got[i].Type != frame.Audio {
			t.Fatalf("frame %d: %+v", i, got[i])
		}
	}

	// live frames flow directly now
	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 400, 4))
	if n := len(w.all()); n != 4 {
		t.Fatalf("%d frames after live chunk, want 4", n)
	}
}

func TestPendingOverflowDropsOldest(t *testing.T) {
	e, src, w := startedEngine(t)
	defer e.Stop()

	for i := 0; i < PendingCap+25; i++ {
		src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, int64(i)*1000, int16(i)))
	}

	stats := e.DebugStats()
	if stats.PendingLen != PendingCap {
		t.Fatalf("pending len %d, want %d", stats.PendingLen, PendingCap)
	}
	if stats.PendingDropped != 25 {
		t.Fatalf("dropped %d, want 25", stats.PendingDropped)
	}

	e.EnableAudioOutput(true)
	got := w.all()
	if len(got) != PendingCap {
		t.Fatalf("drained %d frames, want %d", len(got), PendingCap)
	}
	// the oldest 25 are gone; the survivors keep ascending PTS
	if got[0].PTSMicros != 25_000 {
		t.Fatalf("first drained pts %d, want 25000", got[0].PTSMicros)
	}
	for i := 1; i < len(got); i++ {
		if got[i].PTSMicros <= got[i-1].PTSMicros {
			t.Fatalf("pts went backwards at %d", i)
		}
	}
}

func TestCallbackErrorsCounted(t *testing.T) {
	e, src, _ := startedEngine(t)
	defer e.Stop()

	// missing format is a per-stream counted error, recording continues
	src.sink.OnAudio(frame.StreamMic, audio.SampleBuffer{Channels: 1, Frames: 1, Interleaved: true, Data: [][]byte{{0, 0}}})
	src.sink.OnStreamError(frame.StreamSystem, context.DeadlineExceeded)

	stats := e.DebugStats()
	if stats.Mic.Errors != 1 || stats.Mic.LastError == "" {
		t.Fatalf("mic debug %+v", stats.Mic)
	}
	if stats.System.Errors != 1 {
		t.Fatalf("system debug %+v", stats.System)
	}
	if e.State() != StateStarting {
		t.Fatalf("errors must not change state, got %s", e.State())
	}
}

func TestMeters(t *testing.T) {
	src := &fakeSource{}
	e := NewEngine(src, nil)
	var mu sync.Mutex
	levels := map[frame.Stream]float64{}
	e.SetMeter(func(stream frame.Stream, level float64) {
		mu.Lock()
		levels[stream] = level
		mu.Unlock()
	})
	if err := e.Start(context.Background(), Filter{}, &fakeWriter{}, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 0, 32767, -32767))
	src.sink.OnAudio(frame.StreamMic, int16Buf(16000, 1, 0, 0, 0))

	mu.Lock()
	defer mu.Unlock()
	if levels[frame.StreamSystem] < 0.99 {
		t.Fatalf("system level %v, want ~1", levels[frame.StreamSystem])
	}
	if levels[frame.StreamMic] != 0 {
		t.Fatalf("mic level %v, want 0", levels[frame.StreamMic])
	}
}

func TestStopIsIdempotentAndReturnsToIdle(t *testing.T) {
	e, src, _ := startedEngine(t)

	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 0, 1))
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !src.stopped {
		t.Fatal("source not stopped")
	}
	if e.State() != StateIdle {
		t.Fatalf("state %s, want idle", e.State())
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	// buffers after stop are ignored
	src.sink.OnAudio(frame.StreamSystem, int16Buf(48000, 1, 9999, 1))
	if _, ok := e.MeetingStartPTS(); ok {
		t.Fatal("stale state after stop")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	e, _, _ := startedEngine(t)
	defer e.Stop()
	if err := e.Start(context.Background(), Filter{}, &fakeWriter{}, ""); err == nil {
		t.Fatal("second start should fail")
	}
}

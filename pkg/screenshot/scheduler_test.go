package screenshot

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meetscribe-ai/meetscribe/pkg/frame"
)

type stillFake struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (f *stillFake) CaptureStill(_ context.Context) (image.Image, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img, nil
}

func (f *stillFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type frameSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *frameSink) SendFrame(f frame.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *frameSink) all() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func fixedClock(pts int64) MeetingClock {
	return func() (int64, bool) { return pts, true }
}

func TestSchedulerWritesNamedPNGs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "screenshots")
	sink := &frameSink{}
	capt := &stillFake{}
	s := NewScheduler(capt, sink, fixedClock(12_345_000), dir, 20*time.Millisecond, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.Written() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no screenshots written")
	}
	name := entries[0].Name()
	if name != "t+000012.345.png" {
		t.Fatalf("file name %q", name)
	}

	frames := sink.all()
	if len(frames) == 0 {
		t.Fatal("no screenshot event frames")
	}
	f := frames[0]
	if f.Type != frame.ScreenshotEvent || f.PTSMicros != 12_345_000 {
		t.Fatalf("frame %+v", f)
	}
	var info frame.ScreenshotInfo
	if err := json.Unmarshal(f.Payload, &info); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if info.T != 12.345 || !strings.HasSuffix(info.Path, name) {
		t.Fatalf("info %+v", info)
	}
}

func TestSchedulerSkipsWhileBusy(t *testing.T) {
	dir := t.TempDir()
	capt := &stillFake{delay: 120 * time.Millisecond}
	s := NewScheduler(capt, &frameSink{}, fixedClock(0), dir, 20*time.Millisecond, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	time.Sleep(150 * time.Millisecond)

	// with a 120ms capture and 20ms ticks, skipping keeps the call count
	// near elapsed/delay rather than elapsed/tick
	if c := capt.count(); c > 4 {
		t.Fatalf("capture called %d times; overlapping ticks not skipped", c)
	}
}

func TestSchedulerSkipsBeforeMeetingStart(t *testing.T) {
	dir := t.TempDir()
	capt := &stillFake{}
	clock := func() (int64, bool) { return 0, false }
	s := NewScheduler(capt, &frameSink{}, clock, dir, 10*time.Millisecond, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if capt.count() != 0 {
		t.Fatal("captured before meeting start was known")
	}
	if s.Written() != 0 {
		t.Fatal("wrote screenshots before meeting start")
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s := NewScheduler(&stillFake{}, &frameSink{}, fixedClock(0), t.TempDir(), time.Hour, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	s.Stop()
	s.Stop()
}

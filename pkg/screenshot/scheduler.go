// Package screenshot periodically captures still frames from the active
// capture source, persists them as PNGs named by meeting-relative seconds
// and emits SCREENSHOT_EVENT frames to the worker.
package screenshot

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

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

// DefaultInterval between captures.
const DefaultInterval = 5 * time.Second

// StillCapturer acquires one still frame for the active content filter.
type StillCapturer interface {
	CaptureStill(ctx context.Context) (image.Image, error)
}

// FrameWriter is where screenshot event frames go.
type FrameWriter interface {
	SendFrame(frame.Frame) error
}

// MeetingClock reports the current meeting-relative PTS in microseconds;
// false until the capture engine has seen its first sample buffer.
type MeetingClock func() (int64, bool)

// Scheduler drives the periodic capture. A tick that fires while a prior
// capture is outstanding is skipped, so slow captures never pile up.
type Scheduler struct {
	capturer StillCapturer
	writer   FrameWriter
	clock    MeetingClock
	interval time.Duration
	dir      string
	logger   Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	busy    bool
	written int
}

func NewScheduler(capturer StillCapturer, writer FrameWriter, clock MeetingClock, dir string, interval time.Duration, logger Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Scheduler{
		capturer: capturer,
		writer:   writer,
		clock:    clock,
		interval: interval,
		dir:      dir,
		logger:   logger,
	}
}

// Start launches the timer task. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

// Stop halts the timer. Idempotent; outstanding captures finish on their
// own goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Written reports how many screenshots have been persisted.
func (s *Scheduler) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.busy {
				s.mu.Unlock()
				s.logger.Debug("screenshot tick skipped, capture outstanding")
				continue
			}
			s.busy = true
			s.mu.Unlock()

			s.captureOne(ctx)

			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) captureOne(ctx context.Context) {
	pts, ok := s.clock()
	if !ok {
		// meeting t=0 unknown until the first audio buffer; skip
		return
	}
	tSeconds := float64(pts) / 1e6

	img, err := s.capturer.CaptureStill(ctx)
	if err != nil {
		s.logger.Warn("still capture failed", "error", err)
		return
	}

	name := fmt.Sprintf("t+%010.3f.png", tSeconds)
	path := filepath.Join(s.dir, name)
	if err := writePNG(path, img); err != nil {
		s.logger.Error("screenshot write failed", "path", path, "error", err)
		return
	}

	rel := filepath.Join(filepath.Base(s.dir), name)
	f, err := frame.NewScreenshotFrame(pts, frame.ScreenshotInfo{T: tSeconds, Path: rel})
	if err != nil {
		s.logger.Error("screenshot frame encode failed", "error", err)
		return
	}
	if err := s.writer.SendFrame(f); err != nil {
		s.logger.Warn("screenshot frame send failed", "error", err)
	}

	s.mu.Lock()
	s.written++
	s.mu.Unlock()
	s.logger.Debug("screenshot written", "path", rel, "t", tSeconds)
}

func writePNG(path string, img image.Image) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

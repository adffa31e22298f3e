// Package recorder owns the meeting lifecycle: capture start, worker
// start, event routing into the transcript and the store, orderly stop
// with drain, resume and deletion guards.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe-ai/meetscribe/pkg/capture"
	"github.com/meetscribe-ai/meetscribe/pkg/config"
	"github.com/meetscribe-ai/meetscribe/pkg/frame"
	"github.com/meetscribe-ai/meetscribe/pkg/screenshot"
	"github.com/meetscribe-ai/meetscribe/pkg/store"
	"github.com/meetscribe-ai/meetscribe/pkg/transcript"
	"github.com/meetscribe-ai/meetscribe/pkg/ui"
	"github.com/meetscribe-ai/meetscribe/pkg/worker"
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

const (
	// FormatTimeout bounds stream-format detection on start.
	FormatTimeout = 2 * time.Second

	// GracefulExitTimeout is how long the worker may flush final events
	// after MEETING_STOP before it is killed.
	GracefulExitTimeout = 120 * time.Second

	// killGrace is the wait after a forced terminate.
	killGrace = 5 * time.Second
)

// session bundles everything owned while a recording is live.
type session struct {
	meeting *store.Meeting
	sess    store.Session
	dir     string

	sup    *worker.Supervisor
	engine *capture.Engine
	sched  *screenshot.Scheduler
	ing    *transcript.Ingestor

	eventsMu   sync.Mutex
	eventsFile *os.File
	blog       *BackendLog

	cancel context.CancelFunc
}

// Controller is a single-writer actor over the recording lifecycle: one
// Start/Stop/Resume runs at a time, and it exclusively owns the live
// meeting, supervisor, engine, scheduler and ingestor.
type Controller struct {
	cfg       config.Config
	store     *store.Store
	source    capture.Source
	still     screenshot.StillCapturer
	publisher *ui.Publisher
	logger    Logger

	rediarizer *worker.Rediarizer

	opMu sync.Mutex // serialises start/stop/resume/delete

	mu     sync.Mutex // guards active
	active *session

	levelMu    sync.Mutex
	levels     map[string]float64
	lastLevels time.Time
}

// New wires the controller. still and publisher may be nil (no video mode,
// no UI attached).
func New(cfg config.Config, st *store.Store, source capture.Source, still screenshot.StillCapturer, publisher *ui.Publisher, logger Logger) *Controller {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Controller{
		cfg:        cfg,
		store:      st,
		source:     source,
		still:      still,
		publisher:  publisher,
		logger:     logger,
		rediarizer: worker.NewRediarizer(logger),
		levels:     map[string]float64{},
	}
}

// Recording reports whether a session is live, and for which folder.
func (c *Controller) Recording() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.meeting.Folder, true
}

// Start creates a new meeting and begins recording it.
func (c *Controller) Start(ctx context.Context, title string, filter capture.Filter) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, live := c.Recording(); live {
		return ErrAlreadyRecording
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	m, err := c.store.Create(title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}
	return c.startSession(ctx, m, m.Sessions[0], 0, filter)
}

// Resume reopens an existing meeting with a fresh session; transcript
// timestamps continue from the meeting's last observed timestamp.
func (c *Controller) Resume(ctx context.Context, folder string, filter capture.Filter) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, live := c.Recording(); live {
		return ErrAlreadyRecording
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	m, sess, err := c.store.AppendSession(folder, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return c.startSession(ctx, m, sess, m.LastTimestamp, filter)
}

// startSession runs the start sequence. Any failure after the worker
// spawns tears everything down; there is no partial running state.
func (c *Controller) startSession(ctx context.Context, m *store.Meeting, sess store.Session, offset float64, filter capture.Filter) (err error) {
	dir := c.store.Path(m.Folder)
	audioDir := filepath.Join(dir, sess.AudioFolder)

	s := &session{meeting: m, sess: sess, dir: dir}

	s.ing = transcript.NewIngestor(c.logger)
	s.ing.SetEchoSuppression(c.cfg.EchoSuppression)
	if offset > 0 {
		s.ing.SetOffset(offset)
	}
	s.ing.SetOnUpdate(func() { c.publishState() })

	s.eventsFile, err = os.OpenFile(filepath.Join(dir, store.EventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	s.blog, err = OpenBackendLog(filepath.Join(dir, store.BackendLogFile))
	if err != nil {
		s.eventsFile.Close()
		return fmt.Errorf("open backend log: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	fail := func(step string, cause error) error {
		c.logger.Error("start failed, tearing down", "step", step, "error", cause)
		if s.sched != nil {
			s.sched.Stop()
		}
		if s.engine != nil {
			_ = s.engine.Stop()
		}
		if s.sup != nil {
			s.sup.Terminate()
			s.sup.Cleanup()
		}
		cancel()
		s.eventsFile.Close()
		s.blog.Close()
		return fmt.Errorf("%s: %w", step, cause)
	}

	s.sup = worker.New(c.logger)
	s.sup.SetLineCallback(func(l frame.Line) { c.routeEvent(s, l) })
	s.sup.SetStderrCallback(func(line string) { s.blog.Append("[stderr] " + line) })
	s.sup.SetOnWriteError(func(werr error) {
		s.blog.Append("[error] worker stdin write failed: " + werr.Error())
	})

	argv := append(c.cfg.WorkerArgv(), "live", "--audio-dir", audioDir)
	if err := s.sup.Start(runCtx, argv, dir, nil); err != nil {
		cancel()
		s.eventsFile.Close()
		s.blog.Close()
		return fmt.Errorf("%w: %v", ErrWorkerSpawn, err)
	}

	s.engine = capture.NewEngine(c.source, c.logger)
	s.engine.SetMeter(func(stream frame.Stream, level float64) {
		c.noteLevel(stream.String(), level)
	})

	recordDir := ""
	if c.cfg.RecordWAV {
		recordDir = audioDir
	}
	if err := s.engine.Start(runCtx, filter, s.sup, recordDir); err != nil {
		return fail("start capture", fmt.Errorf("%w: %v", ErrCapture, err))
	}

	formats := s.engine.WaitForFormats(FormatTimeout)

	startFrame, err := frame.NewStartFrame(frame.StartInfo{
		Title:            m.Title,
		StartWallTime:    sess.StartedAt.Format(time.RFC3339),
		SampleRate:       c.cfg.SampleRate,
		Channels:         c.cfg.Channels,
		SystemSampleRate: formats.System.SampleRate,
		SystemChannels:   formats.System.Channels,
		MicSampleRate:    formats.Mic.SampleRate,
		MicChannels:      formats.Mic.Channels,
	})
	if err != nil {
		return fail("build meeting start", err)
	}
	if err := s.sup.SendFrame(startFrame); err != nil {
		return fail("send meeting start", err)
	}

	s.engine.EnableAudioOutput(true)

	if err := c.store.SetSessionStreams(m.Folder, sess.SessionID, store.SessionStreams{
		System: store.StreamInfo{SampleRate: formats.System.SampleRate, Channels: formats.System.Channels},
		Mic:    store.StreamInfo{SampleRate: formats.Mic.SampleRate, Channels: formats.Mic.Channels},
	}); err != nil {
		c.logger.Warn("persisting stream formats failed", "error", err)
	}

	if c.cfg.Video && c.still != nil {
		s.sched = screenshot.NewScheduler(c.still, s.sup, s.engine.MeetingNow,
			filepath.Join(dir, "screenshots"), c.cfg.ScreenshotInterval.Std(), c.logger)
		if err := s.sched.Start(runCtx); err != nil {
			return fail("start screenshots", err)
		}
	}

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	c.logger.Info("recording started", "folder", m.Folder, "session", sess.SessionID, "offset", offset)
	c.publishState()
	return nil
}

// routeEvent handles one worker stdout line: raw append to the events
// file, notice mirroring into the backend log, then transcript ingest.
func (c *Controller) routeEvent(s *session, l frame.Line) {
	s.eventsMu.Lock()
	if s.eventsFile != nil {
		s.eventsFile.WriteString(l.Text)
		s.eventsFile.WriteString("\n")
	}
	s.eventsMu.Unlock()

	if l.Err != nil {
		s.blog.Append("[error] " + l.Err.Error())
		return
	}

	var head struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(l.Text), &head) == nil {
		switch head.Type {
		case "error":
			s.blog.Append("[error] " + head.Message)
		case "status":
			s.blog.Append("[status] " + head.Message)
		}
	}

	_ = s.ing.Ingest([]byte(l.Text))
}

// Stop runs the loss-free stop sequence and finalises the meeting.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return ErrNotRecording
	}

	c.logger.Info("stopping recording", "folder", s.meeting.Folder)

	// 1. screenshots first so no frame follows MEETING_STOP
	if s.sched != nil {
		s.sched.Stop()
	}

	// 2. capture down: no more audio frames are produced
	if err := s.engine.Stop(); err != nil {
		c.logger.Warn("capture stop reported error", "error", err)
	}

	// 3–4. final frame, then close stdin behind it
	if err := s.sup.SendFrame(frame.Frame{Type: frame.MeetingStop}); err != nil {
		c.logger.Warn("meeting stop send failed", "error", err)
	}
	if err := s.sup.RequestStop(); err != nil {
		c.logger.Warn("stdin close failed", "error", err)
	}

	// 5. grace period: the ingestor keeps reading through the callbacks
	code, exited := s.sup.WaitForExit(GracefulExitTimeout)
	if !exited {
		c.logger.Warn("worker exceeded graceful exit window, killing")
		s.sup.Terminate()
		code, _ = s.sup.WaitForExit(killGrace)
	}
	if code != 0 {
		s.blog.Append(fmt.Sprintf("[error] worker exited with code %d", code))
	}

	// 6. release pipes and the cancellation watcher
	s.sup.Cleanup()
	s.cancel()

	// 7–8. transcript artefacts from in-memory state, plus a secondary
	// copy for external tooling; failures here never lose the meeting
	finals := s.ing.Finals()
	names := s.ing.SpeakerNames()
	var firstErr error
	if err := store.WriteTranscript(s.dir, finals, names); err != nil {
		c.logger.Error("transcript write failed", "error", err)
		firstErr = err
	}
	exportDir := filepath.Join(os.TempDir(), "meetscribe-export-"+uuid.NewString())
	if err := os.MkdirAll(exportDir, 0o755); err == nil {
		if err := store.WriteTranscript(exportDir, finals, names); err != nil {
			c.logger.Warn("secondary transcript copy failed", "error", err)
		}
	}

	// 9. durable metadata
	if len(names) > 0 {
		if err := c.store.PersistSpeakerNames(s.meeting.Folder, names); err != nil {
			c.logger.Warn("persist speaker names failed", "error", err)
		}
	}
	if _, err := c.store.Finalise(s.meeting.Folder, finals, time.Now().UTC()); err != nil {
		c.logger.Error("finalise failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	// 10. log handles last so late stderr still lands
	s.eventsMu.Lock()
	if s.eventsFile != nil {
		s.eventsFile.Close()
		s.eventsFile = nil
	}
	s.eventsMu.Unlock()
	s.blog.Close()

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	c.logger.Info("recording stopped", "folder", s.meeting.Folder, "segments", len(finals))
	c.publishState()
	return firstErr
}

// Delete trashes a meeting unless it is the active recording.
func (c *Controller) Delete(folder string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if active, live := c.Recording(); live && active == folder {
		return ErrMeetingActive
	}
	return c.store.Trash(folder)
}

// Reprocess launches a batch re-diarisation of an existing meeting. Only
// one runs at a time; deletion of the target is the caller's concern.
func (c *Controller) Reprocess(ctx context.Context, folder, stream string, progress worker.ReprocessProgress) (*worker.ReprocessResult, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return c.rediarizer.Run(ctx, c.cfg.WorkerArgv(), c.store.Path(folder), stream, progress)
}

// CancelReprocess terminates an in-flight batch run.
func (c *Controller) CancelReprocess() {
	c.rediarizer.Cancel()
}

// Transcript exposes the live ingestor state (empty when idle).
func (c *Controller) Transcript() ([]transcript.Segment, map[string]string) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil, nil
	}
	return s.ing.Segments(), s.ing.SpeakerNames()
}

// BackendTail returns the recent backend log lines (nil when idle).
func (c *Controller) BackendTail() []string {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.blog.Tail()
}

// DebugStats exposes capture counters (zero value when idle).
func (c *Controller) DebugStats() capture.DebugStats {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return capture.DebugStats{}
	}
	return s.engine.DebugStats()
}

// noteLevel publishes meter updates at most every 100ms.
func (c *Controller) noteLevel(stream string, level float64) {
	if c.publisher == nil {
		return
	}
	c.levelMu.Lock()
	c.levels[stream] = level
	due := time.Since(c.lastLevels) >= 100*time.Millisecond
	if due {
		c.lastLevels = time.Now()
	}
	c.levelMu.Unlock()
	if due {
		c.publishState()
	}
}

// publishState pushes a fresh snapshot to the UI socket.
func (c *Controller) publishState() {
	if c.publisher == nil {
		return
	}

	c.mu.Lock()
	s := c.active
	c.mu.Unlock()

	snap := ui.Snapshot{Type: "state", State: "idle"}
	if s != nil {
		snap.State = "recording"
		snap.Meeting = s.meeting.Folder
		names := s.ing.SpeakerNames()
		for _, seg := range s.ing.Segments() {
			name := seg.SpeakerID
			if n, ok := names[seg.SpeakerID]; ok && n != "" {
				name = n
			}
			view := ui.SegmentView{
				SpeakerID: seg.SpeakerID,
				Name:      name,
				Stream:    seg.Stream,
				T0:        seg.T0,
				Text:      seg.Text,
				Partial:   seg.Partial,
			}
			if seg.HasEnd {
				view.T1 = seg.T1
			}
			snap.Segments = append(snap.Segments, view)
		}
		snap.LastText = s.ing.LastText()
	}

	c.levelMu.Lock()
	if len(c.levels) > 0 {
		snap.Levels = make(map[string]float64, len(c.levels))
		for k, v := range c.levels {
			snap.Levels[k] = v
		}
	}
	c.levelMu.Unlock()

	c.publisher.Publish(snap)
}

package transcript

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"
)

// Logger is the narrow logging surface the ingestor needs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// event is the wire shape of one worker stdout line.
type event struct {
	Type      string   `json:"type"`
	SpeakerID string   `json:"speaker_id"`
	Stream    string   `json:"stream"`
	T0        float64  `json:"t0"`
	T1        *float64 `json:"t1"`
	Text      string   `json:"text"`
	Message   string   `json:"message"`
	Known     []struct {
		SpeakerID string `json:"speaker_id"`
		Name      string `json:"name"`
	} `json:"known"`
}

// Ingestor consumes worker event lines and maintains the ordered transcript.
// All observable mutations happen through Ingest and the explicit setters;
// the session controller routes every event line here from the worker
// supervisor's stdout reader.
type Ingestor struct {
	mu sync.Mutex

	segments []Segment // ordered by T0 ascending, stable
	names    map[string]string

	offset       float64 // seconds added to every incoming timestamp (resume)
	maxFinalT0   float64
	haveFinal    bool
	lastText     string
	lastIngestAt time.Time

	echoSuppression bool
	logger          Logger

	onUpdate func()
}

func NewIngestor(logger Logger) *Ingestor {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Ingestor{
		names:           make(map[string]string),
		echoSuppression: true,
		logger:          logger,
	}
}

// SetOnUpdate registers a callback fired (outside the lock) after any
// state-changing ingest. The controller uses it to publish UI snapshots.
func (in *Ingestor) SetOnUpdate(fn func()) {
	in.mu.Lock()
	in.onUpdate = fn
	in.mu.Unlock()
}

// SetOffset sets the resume timestamp offset in seconds.
func (in *Ingestor) SetOffset(seconds float64) {
	in.mu.Lock()
	in.offset = seconds
	in.mu.Unlock()
}

// Offset returns the current resume offset.
func (in *Ingestor) Offset() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.offset
}

// SetEchoSuppression toggles the cross-stream echo policy.
func (in *Ingestor) SetEchoSuppression(enabled bool) {
	in.mu.Lock()
	in.echoSuppression = enabled
	in.mu.Unlock()
}

// Reset clears all transcript state but keeps configuration.
func (in *Ingestor) Reset() {
	in.mu.Lock()
	in.segments = nil
	in.names = make(map[string]string)
	in.offset = 0
	in.maxFinalT0 = 0
	in.haveFinal = false
	in.lastText = ""
	in.mu.Unlock()
}

// Ingest parses one event line and applies it. Malformed JSON and unknown
// types are discarded (the raw line is persisted upstream regardless).
func (in *Ingestor) Ingest(line []byte) error {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		in.logger.Warn("discarding malformed event line", "error", err)
		return err
	}

	in.mu.Lock()
	in.lastIngestAt = time.Now()
	changed := false

	switch ev.Type {
	case "segment":
		changed = in.applyFinal(ev)
	case "partial":
		changed = in.applyPartial(ev)
	case "speakers":
		for _, k := range ev.Known {
			if k.SpeakerID != "" {
				in.names[k.SpeakerID] = k.Name
				changed = true
			}
		}
	case "status", "error":
		// logged by the controller, not transcript state
	case "meter":
		in.logger.Debug("meter event", "line", string(line))
	default:
		in.logger.Debug("ignoring unknown event type", "type", ev.Type)
	}

	fn := in.onUpdate
	in.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
	return nil
}

func (in *Ingestor) segmentFrom(ev event) Segment {
	s := Segment{
		SpeakerID: ev.SpeakerID,
		Stream:    normStream(ev.Stream),
		T0:        ev.T0 + in.offset,
		Text:      ev.Text,
	}
	if ev.T1 != nil {
		s.T1 = *ev.T1 + in.offset
		s.HasEnd = true
	}
	return s
}

func normStream(s string) string {
	switch s {
	case "system", "mic":
		return s
	}
	return "unknown"
}

// applyFinal inserts a finalised segment: echo suppression first, then the
// same-stream merge rule, then ordered insertion.
func (in *Ingestor) applyFinal(ev event) bool {
	s := in.segmentFrom(ev)

	if in.echoSuppression {
		if s.Stream == "mic" && in.hasSystemEcho(s) {
			in.logger.Debug("dropping mic echo", "t0", s.T0, "text", s.Text)
			return false
		}
		if s.Stream == "system" {
			in.removeMicEchoes(s)
		}
	}

	// collect same-stream finals for the merge pass
	var candidates []Segment
	var candidateIdx []int
	for i, e := range in.segments {
		if !e.Partial && e.Stream == s.Stream {
			candidates = append(candidates, e)
			candidateIdx = append(candidateIdx, i)
		}
	}

	res := mergeFinal(s, candidates)
	if !res.keepNew {
		return false
	}
	if len(res.removed) > 0 {
		drop := make(map[int]struct{}, len(res.removed))
		for _, ci := range res.removed {
			drop[candidateIdx[ci]] = struct{}{}
		}
		kept := in.segments[:0]
		for i, e := range in.segments {
			if _, gone := drop[i]; !gone {
				kept = append(kept, e)
			}
		}
		in.segments = kept
	}

	// a final supersedes the stream's outstanding partial
	in.dropPartial(s.Stream)

	appendOnly := !in.haveFinal || s.T0 >= in.maxFinalT0
	in.segments = append(in.segments, s)
	if !appendOnly {
		sort.SliceStable(in.segments, func(i, j int) bool {
			return in.segments[i].T0 < in.segments[j].T0
		})
	}

	if s.T0 > in.maxFinalT0 || !in.haveFinal {
		in.maxFinalT0 = s.T0
	}
	in.haveFinal = true
	if s.Text != "" {
		in.lastText = s.Text
	}
	return true
}

// hasSystemEcho reports a finalised system segment close in time and
// similar in text to the incoming mic segment.
func (in *Ingestor) hasSystemEcho(s Segment) bool {
	for _, e := range in.segments {
		if e.Partial || e.Stream != "system" {
			continue
		}
		if math.Abs(e.T0-s.T0) < echoWindow && isEchoOf(e.Text, s.Text) {
			return true
		}
	}
	return false
}

// removeMicEchoes retroactively deletes finalised mic segments that echo
// the incoming system segment.
func (in *Ingestor) removeMicEchoes(s Segment) {
	kept := in.segments[:0]
	for _, e := range in.segments {
		if !e.Partial && e.Stream == "mic" &&
			math.Abs(e.T0-s.T0) < echoWindow && isEchoOf(s.Text, e.Text) {
			in.logger.Debug("removing mic echo retroactively", "t0", e.T0, "text", e.Text)
			continue
		}
		kept = append(kept, e)
	}
	in.segments = kept
}

// applyPartial replaces the stream's single partial (or appends one).
// Partials never interact with echo suppression or the merge rule.
func (in *Ingestor) applyPartial(ev event) bool {
	s := in.segmentFrom(ev)
	s.Partial = true
	s.HasEnd = false
	s.T1 = 0

	if s.Text != "" {
		in.lastText = s.Text
	}
	for i, e := range in.segments {
		if e.Partial && e.Stream == s.Stream {
			in.segments[i] = s
			return true
		}
	}
	in.segments = append(in.segments, s)
	return true
}

func (in *Ingestor) dropPartial(stream string) {
	for i, e := range in.segments {
		if e.Partial && e.Stream == stream {
			in.segments = append(in.segments[:i], in.segments[i+1:]...)
			return
		}
	}
}

// Segments returns a copy of the ordered segment list, partials included.
func (in *Ingestor) Segments() []Segment {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Segment, len(in.segments))
	copy(out, in.segments)
	return out
}

// Finals returns only finalised segments, in order.
func (in *Ingestor) Finals() []Segment {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []Segment
	for _, s := range in.segments {
		if !s.Partial {
			out = append(out, s)
		}
	}
	return out
}

// SpeakerNames returns a copy of the current speaker-id → name map.
func (in *Ingestor) SpeakerNames() map[string]string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]string, len(in.names))
	for k, v := range in.names {
		out[k] = v
	}
	return out
}

// RenameSpeaker sets a display name for a speaker id.
func (in *Ingestor) RenameSpeaker(speakerID, name string) {
	in.mu.Lock()
	in.names[speakerID] = name
	fn := in.onUpdate
	in.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LastText returns the text of the most recent non-empty segment.
func (in *Ingestor) LastText() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastText
}

// LastIngestAt returns the wall-clock time of the last ingested event.
func (in *Ingestor) LastIngestAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastIngestAt
}

// LastTimestamp returns the largest end timestamp over finals (or the
// largest start when no ends were reported). The store derives the
// persisted last_timestamp from the same finals on its own at stop.
func (in *Ingestor) LastTimestamp() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	last := 0.0
	for _, s := range in.segments {
		if s.Partial {
			continue
		}
		if end := s.End(); end > last {
			last = end
		}
	}
	return last
}

// Package store is the durable on-disk representation of meetings:
// create/resume/finalise metadata, multi-session append, speaker names,
// trash on delete and legacy folder migration. It owns no live objects and
// never holds a file handle beyond one write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/meetscribe-ai/meetscribe/pkg/transcript"
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
	// SchemaVersion of meeting.json.
	SchemaVersion = 1

	StatusRecording = "recording"
	StatusCompleted = "completed"

	MetaFile        = "meeting.json"
	EventsFile      = "transcript_events.jsonl"
	TranscriptJSONL = "transcript.jsonl"
	TranscriptText  = "transcript.txt"
	BackendLogFile  = "backend.log"
)

// StreamInfo records one stream's detected format; zero when unknown.
type StreamInfo struct {
	Channels   int `json:"channels"`
	SampleRate int `json:"sample_rate"`
}

// SessionStreams is the per-stream format record of a session.
type SessionStreams struct {
	Mic    StreamInfo `json:"mic"`
	System StreamInfo `json:"system"`
}

// Session is one contiguous recording within a meeting.
type Session struct {
	AudioFolder string         `json:"audio_folder"`
	EndedAt     *time.Time     `json:"ended_at"`
	SessionID   int            `json:"session_id"`
	StartedAt   time.Time      `json:"started_at"`
	Streams     SessionStreams `json:"streams"`
}

// Meeting is the meeting.json document. Fields are ordered by JSON key so
// serialised output diffs stably.
type Meeting struct {
	Folder string `json:"-"`

	CreatedAt       time.Time         `json:"created_at"`
	DurationSeconds float64           `json:"duration_seconds"`
	LastTimestamp   float64           `json:"last_timestamp"`
	SegmentCount    int               `json:"segment_count"`
	Sessions        []Session         `json:"sessions"`
	SpeakerNames    map[string]string `json:"speaker_names"`
	Status          string            `json:"status"`
	Title           string            `json:"title"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Version         int               `json:"version"`
}

// ActiveSession returns the session with no end time, if the meeting is
// recording.
func (m *Meeting) ActiveSession() *Session {
	for i := range m.Sessions {
		if m.Sessions[i].EndedAt == nil {
			return &m.Sessions[i]
		}
	}
	return nil
}

// NextSessionID returns max(existing)+1.
func (m *Meeting) NextSessionID() int {
	next := 1
	for _, s := range m.Sessions {
		if s.SessionID >= next {
			next = s.SessionID + 1
		}
	}
	return next
}

// AudioFolderName returns the audio sub-folder convention: "audio" for the
// first session, "audio-session-N" for resumes.
func AudioFolderName(sessionID int) string {
	if sessionID <= 1 {
		return "audio"
	}
	return fmt.Sprintf("audio-session-%d", sessionID)
}

// Store reads and writes meeting folders under <base>/Meetings.
type Store struct {
	base   string
	logger Logger
}

func New(base string, logger Logger) *Store {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Store{base: base, logger: logger}
}

// Dir returns the meetings root.
func (s *Store) Dir() string {
	return filepath.Join(s.base, "Meetings")
}

// Path returns the absolute path of a meeting folder.
func (s *Store) Path(folder string) string {
	return filepath.Join(s.Dir(), folder)
}

// Create makes a new meeting folder (collision-suffixed from the sanitised
// title), its first audio sub-folder, and the initial meeting.json with
// status recording.
func (s *Store) Create(title string, startedAt time.Time) (*Meeting, error) {
	folder, err := s.claimFolder(title)
	if err != nil {
		return nil, err
	}

	m := &Meeting{
		Folder:       folder,
		CreatedAt:    startedAt,
		Sessions:     []Session{{SessionID: 1, StartedAt: startedAt, AudioFolder: AudioFolderName(1)}},
		SpeakerNames: map[string]string{},
		Status:       StatusRecording,
		Title:        title,
		UpdatedAt:    startedAt,
		Version:      SchemaVersion,
	}
	if err := os.MkdirAll(filepath.Join(s.Path(folder), AudioFolderName(1)), 0o755); err != nil {
		return nil, fmt.Errorf("create audio folder: %w", err)
	}
	if err := s.write(m); err != nil {
		return nil, err
	}
	s.logger.Info("meeting created", "folder", folder, "title", title)
	return m, nil
}

// Read loads a meeting.json.
func (s *Store) Read(folder string) (*Meeting, error) {
	data, err := os.ReadFile(filepath.Join(s.Path(folder), MetaFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", MetaFile, err)
	}
	var m Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", folder, MetaFile, err)
	}
	m.Folder = folder
	if m.SpeakerNames == nil {
		m.SpeakerNames = map[string]string{}
	}
	return &m, nil
}

// AppendSession opens a new session for resume: next id, fresh audio
// sub-folder, status back to recording.
func (s *Store) AppendSession(folder string, startedAt time.Time) (*Meeting, Session, error) {
	m, err := s.Read(folder)
	if err != nil {
		return nil, Session{}, err
	}
	if m.ActiveSession() != nil {
		return nil, Session{}, fmt.Errorf("meeting %s already has an open session", folder)
	}

	sess := Session{
		SessionID:   m.NextSessionID(),
		StartedAt:   startedAt,
		AudioFolder: AudioFolderName(m.NextSessionID()),
	}
	if err := os.MkdirAll(filepath.Join(s.Path(folder), sess.AudioFolder), 0o755); err != nil {
		return nil, Session{}, fmt.Errorf("create audio folder: %w", err)
	}

	m.Sessions = append(m.Sessions, sess)
	m.Status = StatusRecording
	m.UpdatedAt = startedAt
	if err := s.write(m); err != nil {
		return nil, Session{}, err
	}
	return m, sess, nil
}

// SetSessionStreams records the detected per-stream formats on a session.
func (s *Store) SetSessionStreams(folder string, sessionID int, streams SessionStreams) error {
	m, err := s.Read(folder)
	if err != nil {
		return err
	}
	for i := range m.Sessions {
		if m.Sessions[i].SessionID == sessionID {
			m.Sessions[i].Streams = streams
			m.UpdatedAt = time.Now().UTC()
			return s.write(m)
		}
	}
	return fmt.Errorf("session %d not found in %s", sessionID, folder)
}

// Finalise closes the open session, writes segment stats and marks the
// meeting completed. Durations never shrink and always cover the last
// observed timestamp.
func (s *Store) Finalise(folder string, finals []transcript.Segment, endedAt time.Time) (*Meeting, error) {
	m, err := s.Read(folder)
	if err != nil {
		return nil, err
	}

	last := m.LastTimestamp
	for _, seg := range finals {
		if end := seg.End(); end > last {
			last = end
		}
	}
	m.LastTimestamp = last
	m.SegmentCount = len(finals)
	m.Status = StatusCompleted
	m.UpdatedAt = endedAt

	if active := m.ActiveSession(); active != nil {
		t := endedAt
		active.EndedAt = &t
	}

	var wall float64
	for _, sess := range m.Sessions {
		if sess.EndedAt != nil {
			wall += sess.EndedAt.Sub(sess.StartedAt).Seconds()
		}
	}
	m.DurationSeconds = maxFloat(m.DurationSeconds, maxFloat(wall, m.LastTimestamp))

	if err := s.write(m); err != nil {
		return nil, err
	}
	s.logger.Info("meeting finalised", "folder", folder, "segments", m.SegmentCount)
	return m, nil
}

// Rename updates the title and moves the folder to match it (with the
// usual collision suffixes). Returns the new folder name.
func (s *Store) Rename(folder, title string) (string, error) {
	m, err := s.Read(folder)
	if err != nil {
		return "", err
	}

	if sanitizeTitle(title) == folder {
		m.Title = title
		m.UpdatedAt = time.Now().UTC()
		return folder, s.write(m)
	}

	newFolder, err := s.claimFolder(title)
	if err != nil {
		return "", err
	}
	// claimFolder created the placeholder dir; replace it with the move
	if err := os.Remove(s.Path(newFolder)); err != nil {
		return "", err
	}
	if err := os.Rename(s.Path(folder), s.Path(newFolder)); err != nil {
		return "", fmt.Errorf("rename meeting folder: %w", err)
	}

	m.Folder = newFolder
	m.Title = title
	m.UpdatedAt = time.Now().UTC()
	if err := s.write(m); err != nil {
		return "", err
	}
	return newFolder, nil
}

// PersistSpeakerNames overwrites the speaker-name map.
func (s *Store) PersistSpeakerNames(folder string, names map[string]string) error {
	m, err := s.Read(folder)
	if err != nil {
		return err
	}
	m.SpeakerNames = names
	m.UpdatedAt = time.Now().UTC()
	return s.write(m)
}

// WriteTranscript writes transcript.jsonl (finals only) and the
// human-readable transcript.txt into dir (normally the meeting folder; the
// controller also points it at a temp export folder).
func WriteTranscript(dir string, finals []transcript.Segment, names map[string]string) error {
	var jsonl strings.Builder
	for _, seg := range finals {
		rec := map[string]interface{}{
			"speaker_id": seg.SpeakerID,
			"stream":     seg.Stream,
			"t0":         seg.T0,
			"t1":         nil,
			"text":       seg.Text,
		}
		if seg.HasEnd {
			rec["t1"] = seg.T1
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		jsonl.Write(line)
		jsonl.WriteByte('\n')
	}
	if err := atomicWrite(filepath.Join(dir, TranscriptJSONL), []byte(jsonl.String())); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, TranscriptText), []byte(transcript.RenderAll(finals, names)))
}

// List returns all meetings sorted by created_at descending. Folders that
// fail to parse are skipped with a log entry.
func (s *Store) List() ([]*Meeting, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Meeting
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Read(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable meeting", "folder", e.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// claimFolder sanitises the title into a folder name and reserves the
// first non-colliding variant by creating it.
func (s *Store) claimFolder(title string) (string, error) {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return "", err
	}
	base := sanitizeTitle(title)
	name := base
	for i := 1; ; i++ {
		err := os.Mkdir(s.Path(name), 0o755)
		if err == nil {
			return name, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("claim folder %q: %w", name, err)
		}
		if i > 99 {
			return "", fmt.Errorf("no free folder name for %q", title)
		}
		name = fmt.Sprintf("%s-%02d", base, i)
	}
}

func sanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Meeting"
	}
	var b strings.Builder
	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			b.WriteRune('-')
		case r < 0x20:
			// control characters
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "Meeting"
	}
	return out
}

// write persists meeting.json atomically: temp file, then rename.
func (s *Store) write(m *Meeting) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.Path(m.Folder), MetaFile), append(data, '\n'))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

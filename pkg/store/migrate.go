package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// legacyMeta is the pre-v1 meta.json shape some old folders carry.
type legacyMeta struct {
	Title string `json:"title"`
	Name  string `json:"name"`
}

// MigrateLegacy synthesises a meeting.json for every meeting folder that
// lacks one. Called once on launch, before the history list is built.
func (s *Store) MigrateLegacy() error {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		folder := e.Name()
		if _, err := os.Stat(filepath.Join(s.Path(folder), MetaFile)); err == nil {
			continue
		}
		if err := s.migrateFolder(folder); err != nil {
			s.logger.Warn("legacy migration failed", "folder", folder, "error", err)
		} else {
			s.logger.Info("migrated legacy meeting", "folder", folder)
		}
	}
	return nil
}

func (s *Store) migrateFolder(folder string) error {
	dir := s.Path(folder)

	title := folder
	if data, err := os.ReadFile(filepath.Join(dir, "meta.json")); err == nil {
		var lm legacyMeta
		if json.Unmarshal(data, &lm) == nil {
			if lm.Title != "" {
				title = lm.Title
			} else if lm.Name != "" {
				title = lm.Name
			}
		}
	}

	createdAt := folderCreationTime(dir)
	updatedAt := newestArtifactTime(dir, createdAt)
	count, last := legacySegmentStats(dir)

	ended := updatedAt
	m := &Meeting{
		Folder:          folder,
		CreatedAt:       createdAt,
		DurationSeconds: maxFloat(last, updatedAt.Sub(createdAt).Seconds()),
		LastTimestamp:   last,
		SegmentCount:    count,
		Sessions: []Session{{
			SessionID:   1,
			StartedAt:   createdAt,
			EndedAt:     &ended,
			AudioFolder: AudioFolderName(1),
		}},
		SpeakerNames: map[string]string{},
		Status:       StatusCompleted,
		Title:        title,
		UpdatedAt:    updatedAt,
		Version:      SchemaVersion,
	}
	return s.write(m)
}

// folderCreationTime approximates creation from the directory mtime, the
// closest portable stand-in.
func folderCreationTime(dir string) time.Time {
	if fi, err := os.Stat(dir); err == nil {
		return fi.ModTime().UTC()
	}
	return time.Now().UTC()
}

// newestArtifactTime scans the relevant artifacts for the latest mtime.
func newestArtifactTime(dir string, fallback time.Time) time.Time {
	newest := fallback
	for _, name := range []string{TranscriptJSONL, EventsFile, TranscriptText, BackendLogFile, "recording.mp4"} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil {
			if t := fi.ModTime().UTC(); t.After(newest) {
				newest = t
			}
		}
	}
	return newest
}

// legacySegmentStats derives segment count and last timestamp from
// transcript.jsonl, falling back to transcript_events.jsonl filtered to
// segment events.
func legacySegmentStats(dir string) (int, float64) {
	type rec struct {
		Type string   `json:"type"`
		T0   float64  `json:"t0"`
		T1   *float64 `json:"t1"`
	}

	scan := func(path string, needSegmentType bool) (int, float64, bool) {
		f, err := os.Open(path)
		if err != nil {
			return 0, 0, false
		}
		defer f.Close()

		count := 0
		last := 0.0
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64<<10), 4<<20)
		for sc.Scan() {
			var r rec
			if json.Unmarshal(sc.Bytes(), &r) != nil {
				continue
			}
			if needSegmentType && r.Type != "segment" {
				continue
			}
			count++
			end := r.T0
			if r.T1 != nil && *r.T1 > end {
				end = *r.T1
			}
			if end > last {
				last = end
			}
		}
		return count, last, true
	}

	if count, last, ok := scan(filepath.Join(dir, TranscriptJSONL), false); ok {
		return count, last
	}
	if count, last, ok := scan(filepath.Join(dir, EventsFile), true); ok {
		return count, last
	}
	return 0, 0
}

// Package transcript builds the live transcript from worker events: an
// ordered segment list with partial/final reconciliation, overlap
// deduplication and cross-stream echo suppression.
package transcript

import (
	"fmt"
	"math"
	"strings"
)

// Segment is one transcript entry. Identity for dedupe and UI purposes is
// (Stream, round(T0*1000)); speaker display names are resolved through the
// ingestor's name map at render time, never baked in.
type Segment struct {
	SpeakerID string
	Stream    string
	T0        float64
	T1        float64
	HasEnd    bool
	Text      string
	Partial   bool
}

// Key returns the derived identity of the segment.
func (s Segment) Key() string {
	return fmt.Sprintf("%s:%d", s.Stream, int64(math.Round(s.T0*1000)))
}

// End returns T1 when present, else T0 (zero-duration segment).
func (s Segment) End() float64 {
	if s.HasEnd {
		return s.T1
	}
	return s.T0
}

// Duration is End − T0; zero when no end timestamp was reported.
func (s Segment) Duration() float64 {
	return s.End() - s.T0
}

// Render formats the segment for the human-readable transcript:
// "[<stream>] t=<t0>s <display-name>: <text>", with the stream tag omitted
// for unknown streams.
func (s Segment) Render(names map[string]string) string {
	name := s.SpeakerID
	if n, ok := names[s.SpeakerID]; ok && n != "" {
		name = n
	}
	if s.Stream == "" || s.Stream == "unknown" {
		return fmt.Sprintf("t=%.2fs %s: %s", s.T0, name, s.Text)
	}
	return fmt.Sprintf("[%s] t=%.2fs %s: %s", s.Stream, s.T0, name, s.Text)
}

// RenderAll renders finals one per line.
func RenderAll(finals []Segment, names map[string]string) string {
	var b strings.Builder
	for _, s := range finals {
		b.WriteString(s.Render(names))
		b.WriteByte('\n')
	}
	return b.String()
}

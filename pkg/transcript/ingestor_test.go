package transcript

import (
	"fmt"
	"testing"
)

func ingest(t *testing.T, in *Ingestor, line string) {
	t.Helper()
	if err := in.Ingest([]byte(line)); err != nil {
		t.Fatalf("ingest %s: %v", line, err)
	}
}

func finalLine(stream string, t0, t1 float64, text string) string {
	return fmt.Sprintf(`{"type":"segment","speaker_id":"%s:SPK0","stream":"%s","t0":%g,"t1":%g,"text":"%s"}`,
		stream, stream, t0, t1, text)
}

func TestEchoSuppression(t *testing.T) {
	t.Run("MicDroppedAfterSystem", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, `{"type":"segment","speaker_id":"system:SPK0","stream":"system","t0":10.32,"t1":11.4,"text":"Welcome to the podcast"}`)
		ingest(t, in, `{"type":"segment","speaker_id":"mic:SPK1","stream":"mic","t0":10.48,"t1":11.5,"text":"welcome to the podcast"}`)

		finals := in.Finals()
		if len(finals) != 1 {
			t.Fatalf("got %d finals, want 1", len(finals))
		}
		if finals[0].Stream != "system" {
			t.Fatalf("surviving stream %q, want system", finals[0].Stream)
		}
	})

	t.Run("MicRemovedRetroactively", func(t *testing.T) {
		// reverse arrival order: the system segment must evict the mic echo
		in := NewIngestor(nil)
		ingest(t, in, `{"type":"segment","speaker_id":"mic:SPK1","stream":"mic","t0":10.48,"t1":11.5,"text":"welcome to the podcast"}`)
		ingest(t, in, `{"type":"segment","speaker_id":"system:SPK0","stream":"system","t0":10.32,"t1":11.4,"text":"Welcome to the podcast"}`)

		finals := in.Finals()
		if len(finals) != 1 || finals[0].Stream != "system" {
			t.Fatalf("got %+v, want single system segment", finals)
		}
	})

	t.Run("FarApartNotEcho", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, finalLine("system", 10.0, 11.0, "welcome to the podcast"))
		ingest(t, in, finalLine("mic", 11.5, 12.5, "welcome to the podcast"))
		if n := len(in.Finals()); n != 2 {
			t.Fatalf("got %d finals, want 2 (Δt0 ≥ 1.0s)", n)
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		in := NewIngestor(nil)
		in.SetEchoSuppression(false)
		ingest(t, in, finalLine("system", 10.0, 11.0, "hello there"))
		ingest(t, in, finalLine("mic", 10.2, 11.2, "hello there"))
		if n := len(in.Finals()); n != 2 {
			t.Fatalf("got %d finals, want 2 with suppression off", n)
		}
	})
}

func TestEchoSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"Welcome to the podcast", "welcome to the podcast", true},
		{"hello", "well hello everyone", true}, // containment, len ≥ 5
		{"hi", "hi", true}, // full word-set overlap
		{"", "anything", false},
		{"alpha beta gamma delta epsilon zeta eta theta iota kappa", "alpha beta gamma delta epsilon zeta eta something else entirely", true}, // 7/10 = 0.7 inclusive
		{"one two three", "four five six", false},
	}
	for _, c := range cases {
		if got := isEchoOf(c.a, c.b); got != c.want {
			t.Errorf("isEchoOf(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestMergeOverlappingFinals(t *testing.T) {
	t.Run("CloseStartReplaces", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, finalLine("system", 5.0, 7.0, "alpha beta gamma"))
		ingest(t, in, finalLine("system", 5.04, 7.02, "alpha beta gamma delta"))

		finals := in.Finals()
		if len(finals) != 1 {
			t.Fatalf("got %d finals, want 1", len(finals))
		}
		if finals[0].Text != "alpha beta gamma delta" {
			t.Fatalf("kept %q, want the newer segment", finals[0].Text)
		}
	})

	t.Run("LongerExistingAbsorbsShorter", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, finalLine("system", 5.0, 9.0, "a long covering utterance"))
		ingest(t, in, finalLine("system", 6.0, 6.5, "short"))

		finals := in.Finals()
		if len(finals) != 1 || finals[0].Text != "a long covering utterance" {
			t.Fatalf("got %+v, want only the covering segment", finals)
		}
	})

	t.Run("CloseStartBoundaryExactly12ms", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, finalLine("system", 5.0, 6.0, "first"))
		ingest(t, in, finalLine("system", 5.12, 6.1, "second"))

		finals := in.Finals()
		if len(finals) != 1 || finals[0].Text != "second" {
			t.Fatalf("got %+v, want newer segment only at |Δt0|=0.12", finals)
		}
	})

	t.Run("DisjointKeepsBoth", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, finalLine("system", 1.0, 2.0, "one"))
		ingest(t, in, finalLine("system", 3.0, 4.0, "two"))
		if n := len(in.Finals()); n != 2 {
			t.Fatalf("got %d finals, want 2", n)
		}
	})

	t.Run("DifferentStreamsNeverMerge", func(t *testing.T) {
		in := NewIngestor(nil)
		in.SetEchoSuppression(false)
		ingest(t, in, finalLine("system", 5.0, 7.0, "completely different"))
		ingest(t, in, finalLine("mic", 5.04, 7.02, "unrelated words here"))
		if n := len(in.Finals()); n != 2 {
			t.Fatalf("got %d finals, want 2", n)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		in := NewIngestor(nil)
		line := finalLine("system", 5.0, 7.0, "alpha beta")
		ingest(t, in, line)
		ingest(t, in, line)
		if n := len(in.Finals()); n != 1 {
			t.Fatalf("got %d finals after double ingest, want 1", n)
		}
	})
}

func TestOutOfOrderArrival(t *testing.T) {
	in := NewIngestor(nil)
	for _, t0 := range []float64{0.0, 5.0, 2.0, 7.0} {
		ingest(t, in, finalLine("system", t0, t0+0.5, fmt.Sprintf("seg %g", t0)))
	}

	finals := in.Finals()
	want := []float64{0.0, 2.0, 5.0, 7.0}
	if len(finals) != len(want) {
		t.Fatalf("got %d finals, want %d", len(finals), len(want))
	}
	for i, w := range want {
		if finals[i].T0 != w {
			t.Fatalf("position %d: t0=%g, want %g", i, finals[i].T0, w)
		}
	}
}

func TestPartials(t *testing.T) {
	partial := func(stream, text string, t0 float64) string {
		return fmt.Sprintf(`{"type":"partial","speaker_id":"%s:SPK0","stream":"%s","t0":%g,"text":"%s"}`, stream, stream, t0, text)
	}

	t.Run("AtMostOnePerStream", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, partial("system", "hel", 1.0))
		ingest(t, in, partial("system", "hello", 1.0))
		ingest(t, in, partial("mic", "yes", 1.2))

		var sys, mic int
		for _, s := range in.Segments() {
			if !s.Partial {
				continue
			}
			switch s.Stream {
			case "system":
				sys++
				if s.Text != "hello" {
					t.Fatalf("system partial %q, want replacement", s.Text)
				}
			case "mic":
				mic++
			}
		}
		if sys != 1 || mic != 1 {
			t.Fatalf("partials per stream: system=%d mic=%d, want 1 and 1", sys, mic)
		}
	})

	t.Run("FinalSupersedesPartial", func(t *testing.T) {
		in := NewIngestor(nil)
		ingest(t, in, partial("system", "hello wor", 1.0))
		ingest(t, in, finalLine("system", 1.0, 2.0, "hello world"))

		segs := in.Segments()
		if len(segs) != 1 || segs[0].Partial {
			t.Fatalf("got %+v, want single final", segs)
		}
	})
}

func TestResumeOffset(t *testing.T) {
	in := NewIngestor(nil)
	ingest(t, in, finalLine("system", 100.0, 101.0, "before resume"))

	in.SetOffset(120.5)
	ingest(t, in, `{"type":"segment","speaker_id":"system:SPK0","stream":"system","t0":3.2,"t1":4.0,"text":"after resume"}`)

	finals := in.Finals()
	if len(finals) != 2 {
		t.Fatalf("got %d finals, want 2", len(finals))
	}
	if finals[0].T0 != 100.0 || finals[0].Text != "before resume" {
		t.Fatalf("pre-resume segment changed: %+v", finals[0])
	}
	got := finals[1]
	if got.T0 != 123.7 || got.T1 != 124.5 {
		t.Fatalf("offset segment at t0=%g t1=%g, want 123.7/124.5", got.T0, got.T1)
	}
}

func TestSpeakersAndUnknownTypes(t *testing.T) {
	in := NewIngestor(nil)
	ingest(t, in, finalLine("system", 1.0, 2.0, "hi"))
	ingest(t, in, `{"type":"speakers","known":[{"speaker_id":"system:SPK0","name":"Alice"}]}`)
	ingest(t, in, `{"type":"bogus","whatever":true}`)
	ingest(t, in, `{"type":"meter","level":0.3}`)
	ingest(t, in, `{"type":"status","message":"running"}`)

	if n := len(in.Finals()); n != 1 {
		t.Fatalf("got %d finals, want 1", n)
	}
	names := in.SpeakerNames()
	if names["system:SPK0"] != "Alice" {
		t.Fatalf("names = %v", names)
	}

	// names are rendered, never baked into segments
	line := in.Finals()[0].Render(names)
	if line != "[system] t=1.00s Alice: hi" {
		t.Fatalf("rendered %q", line)
	}

	if err := in.Ingest([]byte("not json")); err == nil {
		t.Fatal("expected parse error for malformed line")
	}
	if n := len(in.Finals()); n != 1 {
		t.Fatalf("malformed line changed state: %d finals", n)
	}
}

func TestRenderUnknownStream(t *testing.T) {
	s := Segment{SpeakerID: "SPK3", Stream: "unknown", T0: 2.5, Text: "hm"}
	if got := s.Render(nil); got != "t=2.50s SPK3: hm" {
		t.Fatalf("rendered %q", got)
	}
}

func TestLastTimestamp(t *testing.T) {
	in := NewIngestor(nil)
	if in.LastTimestamp() != 0 {
		t.Fatal("empty ingestor should report 0")
	}
	ingest(t, in, finalLine("system", 1.0, 2.0, "a"))
	ingest(t, in, finalLine("mic", 3.0, 4.5, "unrelated thing"))
	if got := in.LastTimestamp(); got != 4.5 {
		t.Fatalf("LastTimestamp = %g, want 4.5", got)
	}
}

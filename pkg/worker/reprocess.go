package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ReprocessTimeout bounds a whole batch re-diarisation run.
const ReprocessTimeout = 3600 * time.Second

// Turn is one re-diarised transcript turn from a reprocess result.
type Turn struct {
	SpeakerID string   `json:"speaker_id"`
	Stream    string   `json:"stream"`
	T0        float64  `json:"t0"`
	T1        *float64 `json:"t1"`
	Text      string   `json:"text"`
}

// ReprocessResult is the final payload of a successful reprocess run.
type ReprocessResult struct {
	Turns    []Turn   `json:"turns"`
	Speakers []string `json:"speakers"`
	Duration float64  `json:"duration"`
}

// ReprocessProgress reports a stage transition: preparing, transcribing,
// diarizing, merging, complete.
type ReprocessProgress func(stage string)

// Rediarizer runs batch re-diarisation invocations of the worker against an
// existing meeting folder. The child handle lives behind the mutex; Cancel
// takes it and terminates, so a cancelled run never leaks a process.
type Rediarizer struct {
	logger Logger

	mu  sync.Mutex
	sup *Supervisor
}

func NewRediarizer(logger Logger) *Rediarizer {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Rediarizer{logger: logger}
}

// Run invokes the worker's reprocess module over meetingDir for the given
// stream selector (system, mic or both). Blocks until the worker emits a
// result or error event, exits, or the timeout/context fires; the child is
// always terminated and cleaned up before Run returns.
func (r *Rediarizer) Run(ctx context.Context, workerArgv []string, meetingDir, stream string, progress ReprocessProgress) (*ReprocessResult, error) {
	if len(workerArgv) == 0 {
		return nil, ErrEmptyArgv
	}
	switch stream {
	case "system", "mic", "both":
	default:
		return nil, fmt.Errorf("invalid reprocess stream %q", stream)
	}

	sup := New(r.logger)

	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return nil, ErrReprocessBusy
	}
	r.sup = sup
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.sup = nil
		r.mu.Unlock()
		sup.Terminate()
		sup.Cleanup()
	}()

	runCtx, cancel := context.WithTimeout(ctx, ReprocessTimeout)
	defer cancel()

	argv := append(append([]string{}, workerArgv...),
		"reprocess", "--meeting", meetingDir, "--stream", stream)
	if err := sup.Start(runCtx, argv, meetingDir, nil); err != nil {
		return nil, err
	}
	// the reprocess module takes no stdin input
	if err := sup.RequestStop(); err != nil {
		return nil, err
	}

	for {
		select {
		case <-runCtx.Done():
			return nil, runCtx.Err()
		case line, ok := <-sup.Events():
			if !ok {
				return nil, fmt.Errorf("%w: event stream closed", ErrReprocessFailed)
			}
			if line.Err != nil || line.Text == "" {
				continue
			}
			result, done, err := parseReprocessLine(line.Text, progress, r.logger)
			if err != nil {
				return nil, err
			}
			if done {
				return result, nil
			}
		case <-exitSignal(sup):
			// drain whatever is already buffered before giving up
			for {
				select {
				case line := <-sup.Events():
					if line.Err != nil || line.Text == "" {
						continue
					}
					result, done, err := parseReprocessLine(line.Text, progress, r.logger)
					if err != nil {
						return nil, err
					}
					if done {
						return result, nil
					}
				default:
					code, _ := sup.WaitForExit(time.Second)
					return nil, fmt.Errorf("%w: worker exited with code %d before result", ErrReprocessFailed, code)
				}
			}
		}
	}
}

// Cancel terminates an in-flight run, if any.
func (r *Rediarizer) Cancel() {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup != nil {
		sup.Terminate()
		sup.Cleanup()
	}
}

func parseReprocessLine(text string, progress ReprocessProgress, logger Logger) (*ReprocessResult, bool, error) {
	var ev struct {
		Type    string          `json:"type"`
		Stage   string          `json:"stage"`
		Message string          `json:"message"`
		ReprocessResult
	}
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		logger.Warn("discarding malformed reprocess line", "error", err)
		return nil, false, nil
	}
	switch ev.Type {
	case "status":
		if ev.Stage != "" && progress != nil {
			progress(ev.Stage)
		}
	case "result":
		res := ev.ReprocessResult
		return &res, true, nil
	case "error":
		return nil, false, fmt.Errorf("%w: %s", ErrReprocessFailed, ev.Message)
	}
	return nil, false, nil
}

// exitSignal adapts the supervisor's exit channel for select.
func exitSignal(s *Supervisor) <-chan struct{} {
	return s.exitCh
}

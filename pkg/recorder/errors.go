package recorder

import "errors"

var (
	// ErrConfig reports a configuration problem found before anything
	// started (worker path, base dir).
	ErrConfig = errors.New("configuration invalid")

	// ErrWorkerSpawn reports a failure launching the worker.
	ErrWorkerSpawn = errors.New("worker spawn failed")

	// ErrCapture reports a capture-session failure during start.
	ErrCapture = errors.New("capture start failed")

	// ErrAlreadyRecording reports a start while a session is live.
	ErrAlreadyRecording = errors.New("a recording is already active")

	// ErrNotRecording reports a stop with no live session.
	ErrNotRecording = errors.New("no active recording")

	// ErrMeetingActive guards deletion of the live meeting.
	ErrMeetingActive = errors.New("meeting is currently recording")
)

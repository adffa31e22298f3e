package worker

import "errors"

var (
	// ErrEmptyArgv reports a start attempt with no executable path.
	ErrEmptyArgv = errors.New("worker argv is empty")

	// ErrAlreadyStarted reports a second Start on the same supervisor.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotStarted reports an operation before Start.
	ErrNotStarted = errors.New("worker not started")

	// ErrStdinClosed reports a control send after stdin was closed.
	ErrStdinClosed = errors.New("worker stdin closed")

	// ErrReprocessBusy reports a second reprocess run while one is active.
	ErrReprocessBusy = errors.New("reprocess already running")

	// ErrReprocessFailed reports a worker-side reprocess error event.
	ErrReprocessFailed = errors.New("reprocess failed")
)

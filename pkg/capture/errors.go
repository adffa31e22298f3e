package capture

import "errors"

var (
	// ErrBadState reports a lifecycle operation in the wrong state.
	ErrBadState = errors.New("capture engine in wrong state")

	// ErrNoLoopback reports a platform without a usable system-audio
	// loopback device.
	ErrNoLoopback = errors.New("system audio loopback unavailable")
)

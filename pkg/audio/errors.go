package audio

import "errors"

var (
	// ErrMissingFormat reports a sample buffer with no usable format
	// description.
	ErrMissingFormat = errors.New("sample buffer format missing")

	// ErrUnsupportedFormat reports a sample encoding the extractor does not
	// handle.
	ErrUnsupportedFormat = errors.New("unsupported sample format")

	// ErrBufferList reports a mismatch between the declared layout and the
	// buffers actually present.
	ErrBufferList = errors.New("malformed sample buffer list")
)

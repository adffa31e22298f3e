package frame

import "errors"

var (
	// ErrFrameTruncated reports a short read inside a frame header or payload.
	ErrFrameTruncated = errors.New("frame truncated")

	// ErrPayloadTooLarge reports a payload above MaxPayload on either side.
	ErrPayloadTooLarge = errors.New("frame payload too large")

	// ErrNonUTF8Line reports an event line that is not valid UTF-8.
	ErrNonUTF8Line = errors.New("event line is not valid UTF-8")

	// ErrLineTruncated reports an event line that exceeded the line cap and
	// was cut at the cap.
	ErrLineTruncated = errors.New("event line truncated at cap")
)

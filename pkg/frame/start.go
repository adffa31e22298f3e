package frame

import "encoding/json"

// ProtocolVersion is carried in every MEETING_START payload.
const ProtocolVersion = 1

// StartInfo is the UTF-8 JSON payload of a MEETING_START frame. It is sent
// exactly once, before any AUDIO frame.
type StartInfo struct {
	ProtocolVersion  int    `json:"protocol_version"`
	SampleFormat     string `json:"sample_format"`
	Title            string `json:"title"`
	StartWallTime    string `json:"start_wall_time"`
	SampleRate       int    `json:"sample_rate"`
	Channels         int    `json:"channels"`
	SystemSampleRate int    `json:"system_sample_rate"`
	SystemChannels   int    `json:"system_channels"`
	MicSampleRate    int    `json:"mic_sample_rate"`
	MicChannels      int    `json:"mic_channels"`
}

// ScreenshotInfo is the UTF-8 JSON payload of a SCREENSHOT_EVENT frame.
type ScreenshotInfo struct {
	T    float64 `json:"t"`
	Path string  `json:"path"`
}

// NewStartFrame builds the MEETING_START frame for info.
func NewStartFrame(info StartInfo) (Frame, error) {
	info.ProtocolVersion = ProtocolVersion
	if info.SampleFormat == "" {
		info.SampleFormat = "s16le"
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: MeetingStart, Payload: payload}, nil
}

// NewScreenshotFrame builds a SCREENSHOT_EVENT frame with the given
// meeting-relative timestamp and a PNG path relative to the meeting folder.
func NewScreenshotFrame(ptsMicros int64, info ScreenshotInfo) (Frame, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: ScreenshotEvent, PTSMicros: ptsMicros, Payload: payload}, nil
}

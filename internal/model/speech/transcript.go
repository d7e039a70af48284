package speech

import "time"

// Transcript is the parsed response of the transcription endpoint.
type Transcript struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`

	ReceivedAt time.Time     `json:"-"`
	Latency    time.Duration `json:"-"`
}

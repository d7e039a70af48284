package speech

import "time"

// Format describes raw PCM captured from the microphone.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 16 kHz mono 16-bit, what the transcription endpoint expects.
func DefaultFormat() Format {
	return Format{
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
	}
}

// Artifact is the single encoded output of one recording.
type Artifact struct {
	ID        string        `json:"id"`
	Data      []byte        `json:"-"`
	Encoding  string        `json:"encoding"` // wav
	Format    Format        `json:"format"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Filename is used as the multipart file name on upload.
func (a Artifact) Filename() string {
	encoding := a.Encoding
	if encoding == "" {
		encoding = "wav"
	}
	id := a.ID
	if id == "" {
		id = "recording"
	}
	return id + "." + encoding
}

// Clip is one inbound audio payload queued for playback.
type Clip struct {
	Data   []byte
	Format string // mp3, wav, pcm ...
}

package audio

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRecording = errors.New("capture already in progress")
	ErrNotRecording     = errors.New("no capture in progress")
	ErrEmptyRecording   = errors.New("recording captured no audio")
)

// CaptureUnavailableError means the microphone could not be opened or
// stopped delivering audio: permission denied, no device, recorder missing.
type CaptureUnavailableError struct {
	Device string
	Err    error
}

func (e *CaptureUnavailableError) Error() string {
	device := e.Device
	if device == "" {
		device = "default input"
	}
	return fmt.Sprintf("microphone unavailable (%s): %v", device, e.Err)
}

func (e *CaptureUnavailableError) Unwrap() error { return e.Err }

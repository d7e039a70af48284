package session

import (
	"errors"
	"fmt"
)

// State is the position of the current exchange.
type State int

const (
	Idle State = iota
	Recording
	Transcribing
	Sending
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Transcribing:
		return "transcribing"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrEmptyInput      = errors.New("message is empty")
	ErrEmptyTranscript = errors.New("transcription returned no text")
	ErrConnectionLost  = errors.New("connection lost during exchange")
	ErrNotAttached     = errors.New("session has no connection")
)

// BusyError rejects starting an exchange while another is in flight.
type BusyError struct {
	Op    string
	State State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session busy: cannot %s while %s", e.Op, e.State)
}

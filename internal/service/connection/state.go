package connection

import "fmt"

// Phase is the lifecycle position of the duplex channel.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is what a connection-status indicator renders. Attempt is only
// non-zero while reconnecting. Cause is set when the manager lands in
// Disconnected for a reason other than never having connected.
type State struct {
	Phase   Phase
	Attempt int
	Cause   error
}

func (s State) String() string {
	if s.Phase == Reconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.Phase.String()
}

package connection

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected rejects a send while the channel is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is the cause recorded when the client closes the channel itself.
	ErrClosed = errors.New("connection closed by client")
)

// ConnectionError is a transport failure. Exhausted marks the end of a
// reconnection episode after the retry budget ran out.
type ConnectionError struct {
	Endpoint  string
	Attempt   int
	Exhausted bool
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("connection to %s lost: gave up after %d reconnect attempts: %v", e.Endpoint, e.Attempt, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// closeReason classifies a read error for logging.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "closed by peer"
	case websocket.IsUnexpectedCloseError(err):
		return "abnormal close"
	default:
		return "read failure"
	}
}

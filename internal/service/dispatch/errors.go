package dispatch

import "fmt"

// ServiceError is an error chunk reported by the assistant service. Message
// is kept verbatim.
type ServiceError struct {
	Message  string
	Metadata map[string]any
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("assistant service error: %s", e.Message)
}

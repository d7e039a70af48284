package stream

// RequestType tags the input modality of an outbound message.
type RequestType string

const (
	RequestText  RequestType = "text"
	RequestAudio RequestType = "audio"
	RequestImage RequestType = "image"
	RequestVideo RequestType = "video"
)

// Outbound is the single client → service message of an exchange.
type Outbound struct {
	RequestType RequestType `json:"request_type"`
	Content     string      `json:"content"`
	Metadata    Metadata    `json:"metadata"`
}

// Valid reports whether t is a request type the service understands.
func (t RequestType) Valid() bool {
	switch t {
	case RequestText, RequestAudio, RequestImage, RequestVideo:
		return true
	}
	return false
}

package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// FrameKind mirrors the websocket message type a frame arrived in.
type FrameKind int

const (
	TextFrame FrameKind = iota + 1
	BinaryFrame
)

// MalformedFrameError reports an inbound frame that could not be parsed.
type MalformedFrameError struct {
	Reason string
	Size   int
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame (%d bytes): %s: %v", e.Size, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame (%d bytes): %s", e.Size, e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

type wireChunk struct {
	Type     Kind            `json:"type"`
	Content  json.RawMessage `json:"content"`
	Metadata Metadata        `json:"metadata,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ParseFrame turns one inbound websocket frame into a Chunk. Binary frames
// are raw audio payloads.
func ParseFrame(kind FrameKind, data []byte) (Chunk, error) {
	malformed := func(reason string, err error) error {
		return &MalformedFrameError{Reason: reason, Size: len(data), Err: err}
	}

	if kind == BinaryFrame {
		if len(data) == 0 {
			return nil, malformed("empty binary frame", nil)
		}
		return AudioChunk{Data: append([]byte(nil), data...)}, nil
	}

	var wire wireChunk
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, malformed("invalid json", err)
	}

	switch wire.Type {
	case KindText:
		text, err := decodeString(wire.Content)
		if err != nil {
			return nil, malformed("text content is not a string", err)
		}
		return TextChunk{Text: text, Metadata: wire.Metadata}, nil

	case KindAudio:
		encoded, err := decodeString(wire.Content)
		if err != nil {
			return nil, malformed("audio content is not a string", err)
		}
		audio, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, malformed("audio content is not base64", err)
		}
		if len(audio) == 0 {
			return nil, malformed("empty audio content", nil)
		}
		format, _ := wire.Metadata["format"].(string)
		return AudioChunk{Data: audio, Format: format, Metadata: wire.Metadata}, nil

	case KindCouncil:
		var update CouncilUpdate
		if isNull(wire.Content) {
			return nil, malformed("council update without content", nil)
		}
		if err := json.Unmarshal(wire.Content, &update); err != nil {
			return nil, malformed("invalid council update", err)
		}
		if err := update.normalize(); err != nil {
			return nil, malformed("invalid council update", err)
		}
		return CouncilChunk{Update: update, Metadata: wire.Metadata}, nil

	case KindError:
		return ErrorChunk{Message: decodeErrorMessage(wire.Content), Metadata: wire.Metadata}, nil

	case KindDone:
		return DoneChunk{Metadata: wire.Metadata}, nil

	case "":
		return nil, malformed("missing chunk type", nil)

	default:
		return nil, malformed(fmt.Sprintf("unknown chunk type %q", wire.Type), nil)
	}
}

// MarshalChunk encodes a chunk in the JSON wire shape. Audio is base64 encoded.
func MarshalChunk(chunk Chunk) ([]byte, error) {
	var content any
	switch c := chunk.(type) {
	case TextChunk:
		content = c.Text
	case AudioChunk:
		content = base64.StdEncoding.EncodeToString(c.Data)
	case CouncilChunk:
		content = c.Update
	case ErrorChunk:
		content = c.Message
	case DoneChunk:
		content = ""
	default:
		return nil, fmt.Errorf("unsupported chunk %T", chunk)
	}

	metadata := chunk.Meta()
	if metadata == nil {
		metadata = Metadata{}
	}
	if audio, ok := chunk.(AudioChunk); ok && audio.Format != "" {
		if _, exists := metadata["format"]; !exists {
			metadata = copyMetadata(metadata)
			metadata["format"] = audio.Format
		}
	}

	return json.Marshal(struct {
		Type     Kind     `json:"type"`
		Content  any      `json:"content"`
		Metadata Metadata `json:"metadata"`
	}{Type: chunk.Kind(), Content: content, Metadata: metadata})
}

func decodeString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func decodeErrorMessage(raw json.RawMessage) string {
	if s, err := decodeString(raw); err == nil {
		if s == "" {
			return "unspecified service error"
		}
		return s
	}

	var obj wireError
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(raw)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func copyMetadata(in Metadata) Metadata {
	out := make(Metadata, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

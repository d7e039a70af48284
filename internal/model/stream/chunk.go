package stream

// Kind is the wire tag of an inbound chunk.
type Kind string

const (
	KindText    Kind = "text"
	KindAudio   Kind = "audio"
	KindCouncil Kind = "council_update"
	KindError   Kind = "error"
	KindDone    Kind = "done"
)

// Metadata is the free-form object attached to chunks and outbound messages.
type Metadata map[string]any

// Chunk is one unit of a streamed response. The set of implementations is
// closed: every wire type has exactly one Go type below.
type Chunk interface {
	Kind() Kind
	Meta() Metadata
	sealed()
}

// TextChunk carries a fragment of the assistant's reply.
type TextChunk struct {
	Text     string
	Metadata Metadata
}

// AudioChunk carries one playable audio payload.
type AudioChunk struct {
	Data     []byte
	Format   string
	Metadata Metadata
}

// CouncilChunk carries the latest council snapshot.
type CouncilChunk struct {
	Update   CouncilUpdate
	Metadata Metadata
}

// ErrorChunk reports a service-side failure for the current exchange.
type ErrorChunk struct {
	Message  string
	Metadata Metadata
}

// DoneChunk terminates an exchange.
type DoneChunk struct {
	Metadata Metadata
}

func (TextChunk) Kind() Kind    { return KindText }
func (AudioChunk) Kind() Kind   { return KindAudio }
func (CouncilChunk) Kind() Kind { return KindCouncil }
func (ErrorChunk) Kind() Kind   { return KindError }
func (DoneChunk) Kind() Kind    { return KindDone }

func (c TextChunk) Meta() Metadata    { return c.Metadata }
func (c AudioChunk) Meta() Metadata   { return c.Metadata }
func (c CouncilChunk) Meta() Metadata { return c.Metadata }
func (c ErrorChunk) Meta() Metadata   { return c.Metadata }
func (c DoneChunk) Meta() Metadata    { return c.Metadata }

func (TextChunk) sealed()    {}
func (AudioChunk) sealed()   {}
func (CouncilChunk) sealed() {}
func (ErrorChunk) sealed()   {}
func (DoneChunk) sealed()    {}

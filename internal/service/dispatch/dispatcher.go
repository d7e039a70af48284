package dispatch

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/chat"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
)

// CouncilMetadataKey holds the final council snapshot on an assistant message.
const CouncilMetadataKey = "council"

// Player renders inbound audio. Play must not block the caller.
type Player interface {
	Play(clip speech.Clip)
}

// Completion is the terminal outcome of one exchange: either an assistant
// message (done) or a *ServiceError (error chunk).
type Completion struct {
	Exchange uint64
	Message  chat.Message
	Err      error
}

// Snapshot is a read-only view of the exchange in progress.
type Snapshot struct {
	Exchange uint64
	Active   bool
	Partial  string
	Council  *stream.CouncilUpdate
}

// Options configures a Dispatcher.
type Options struct {
	Player     Player
	OnComplete func(Completion)
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher applies streamed chunks to the active exchange in arrival order.
type Dispatcher struct {
	player     Player
	onComplete func(Completion)
	log        *zap.Logger
	metrics    *metrics.Metrics

	mu          sync.Mutex
	active      uint64
	accumulator strings.Builder
	council     *stream.CouncilUpdate
}

// New creates a Dispatcher with no active exchange.
func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	onComplete := opts.OnComplete
	if onComplete == nil {
		onComplete = func(Completion) {}
	}
	return &Dispatcher{
		player:     opts.Player,
		onComplete: onComplete,
		log:        log,
		metrics:    opts.Metrics,
	}
}

// Begin makes exchange the target of subsequent chunks and clears any
// leftover transient state. Exchange ids must be non-zero.
func (d *Dispatcher) Begin(exchange uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = exchange
	d.resetLocked()
}

// Abort drops the transient state of exchange if it is still active.
func (d *Dispatcher) Abort(exchange uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == 0 || d.active != exchange {
		return false
	}
	d.active = 0
	d.resetLocked()
	return true
}

// Snapshot returns a copy of the partial response and council state.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{
		Exchange: d.active,
		Active:   d.active != 0,
		Partial:  d.accumulator.String(),
	}
	if d.council != nil {
		council := d.council.Clone()
		snap.Council = &council
	}
	return snap
}

// HandleFrame parses and applies one inbound frame. Malformed frames are
// logged and dropped.
func (d *Dispatcher) HandleFrame(kind stream.FrameKind, data []byte) {
	chunk, err := stream.ParseFrame(kind, data)
	if err != nil {
		var malformed *stream.MalformedFrameError
		if errors.As(err, &malformed) && d.metrics != nil {
			d.metrics.FramesMalformed.Inc()
		}
		d.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	d.Apply(chunk)
}

// Apply routes one parsed chunk.
func (d *Dispatcher) Apply(chunk stream.Chunk) {
	if d.metrics != nil {
		d.metrics.FramesReceived.WithLabelValues(string(chunk.Kind())).Inc()
	}

	d.mu.Lock()
	if d.active == 0 {
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.StrayChunks.Inc()
		}
		d.log.Debug("dropping chunk outside an exchange", zap.String("type", string(chunk.Kind())))
		return
	}
	exchange := d.active

	switch c := chunk.(type) {
	case stream.TextChunk:
		d.accumulator.WriteString(c.Text)
		d.mu.Unlock()

	case stream.AudioChunk:
		d.mu.Unlock()
		if d.player != nil {
			d.player.Play(speech.Clip{Data: c.Data, Format: c.Format})
		}

	case stream.CouncilChunk:
		council := c.Update.Clone()
		d.council = &council
		d.mu.Unlock()

	case stream.ErrorChunk:
		d.active = 0
		d.resetLocked()
		d.mu.Unlock()
		d.log.Warn("exchange failed", zap.Uint64("exchange", exchange), zap.String("message", c.Message))
		d.onComplete(Completion{
			Exchange: exchange,
			Err:      &ServiceError{Message: c.Message, Metadata: c.Metadata},
		})

	case stream.DoneChunk:
		message := chat.Message{
			Role:      chat.RoleAssistant,
			Content:   d.accumulator.String(),
			CreatedAt: time.Now().UTC(),
		}
		if d.council != nil || len(c.Metadata) > 0 {
			message.Metadata = make(map[string]any, len(c.Metadata)+1)
			for k, v := range c.Metadata {
				message.Metadata[k] = v
			}
			if d.council != nil {
				message.Metadata[CouncilMetadataKey] = d.council.Clone()
			}
		}
		d.active = 0
		d.resetLocked()
		d.mu.Unlock()
		d.log.Debug("exchange finalized", zap.Uint64("exchange", exchange), zap.Int("length", len(message.Content)))
		d.onComplete(Completion{Exchange: exchange, Message: message})

	default:
		d.mu.Unlock()
		d.log.Warn("unhandled chunk type", zap.String("type", string(chunk.Kind())))
	}
}

func (d *Dispatcher) resetLocked() {
	d.accumulator.Reset()
	d.council = nil
}

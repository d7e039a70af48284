package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/logging"
	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/chat"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/audio"
	chatservice "github.com/zhouzirui/z-tavern/realtime/internal/service/chat"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/connection"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/dispatch"
)

// Transport carries outbound messages and reports connection changes.
type Transport interface {
	Send(msg stream.Outbound) error
	Subscribe(fn func(connection.State))
}

// Recorder captures one utterance.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (speech.Artifact, error)
	Cancel()
}

// Transcriber turns a recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, artifact speech.Artifact) (speech.Transcript, error)
}

// Result is the asynchronous outcome of an exchange that reached the
// service: the assistant message on done, an error otherwise.
type Result struct {
	Exchange uint64
	Message  *chat.Message
	Err      error
}

// View is what a presentation layer renders.
type View struct {
	State   State
	Partial string
	Council *stream.CouncilUpdate
}

// Options wires a Controller to its collaborators.
type Options struct {
	Recorder    Recorder
	Transcriber Transcriber
	Player      dispatch.Player
	Store       *chatservice.Service
	SessionID   string // resumes an existing session in Store; empty creates one
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	ResultQueue int
}

// Controller runs one exchange at a time for a single session.
type Controller struct {
	recorder    Recorder
	transcriber Transcriber
	store       *chatservice.Service
	dispatcher  *dispatch.Dispatcher
	log         *zap.Logger
	metrics     *metrics.Metrics
	session     chat.Session
	results     chan Result

	mu        sync.Mutex
	state     State
	exchange  uint64
	lastID    uint64
	startedAt time.Time
	transport Transport
}

// New creates a controller and its session. Frames reach it through
// HandleFrame once a transport is attached.
func New(ctx context.Context, opts Options) (*Controller, error) {
	log := logging.Named(opts.Logger, "session")
	store := opts.Store
	if store == nil {
		store = chatservice.NewService()
	}
	if opts.ResultQueue <= 0 {
		opts.ResultQueue = 16
	}

	var session chat.Session
	var err error
	if opts.SessionID != "" {
		session, err = store.GetSession(ctx, opts.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resume session %s: %w", opts.SessionID, err)
		}
	} else {
		session, err = store.CreateSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	c := &Controller{
		recorder:    opts.Recorder,
		transcriber: opts.Transcriber,
		store:       store,
		log:         log.With(zap.String("session", session.ID)),
		metrics:     opts.Metrics,
		session:     session,
		results:     make(chan Result, opts.ResultQueue),
	}
	c.dispatcher = dispatch.New(dispatch.Options{
		Player:     opts.Player,
		OnComplete: c.complete,
		Logger:     logging.Named(opts.Logger, "dispatch"),
		Metrics:    opts.Metrics,
	})
	return c, nil
}

// Attach binds the session to its connection.
func (c *Controller) Attach(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	t.Subscribe(c.onConnectionState)
}

// HandleFrame is the connection's frame handler.
func (c *Controller) HandleFrame(kind stream.FrameKind, data []byte) {
	c.dispatcher.HandleFrame(kind, data)
}

// Session returns the session this controller drives.
func (c *Controller) Session() chat.Session { return c.session }

// Results delivers the outcome of every exchange that was sent.
func (c *Controller) Results() <-chan Result { return c.results }

// State returns the current exchange state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy is the processing indicator.
func (c *Controller) Busy() bool {
	return c.State() != Idle
}

// View returns the state with the partial response and council snapshot.
func (c *Controller) View() View {
	snap := c.dispatcher.Snapshot()
	return View{State: c.State(), Partial: snap.Partial, Council: snap.Council}
}

// Messages returns a copy of the transcript.
func (c *Controller) Messages(ctx context.Context) ([]chat.Message, error) {
	return c.store.LoadTranscript(ctx, c.session.ID)
}

// SendText starts a typed exchange.
func (c *Controller) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	id, err := c.begin(Sending, "send a message")
	if err != nil {
		return err
	}
	return c.send(ctx, id, text, stream.Metadata{"source": "text"})
}

// StartRecording starts a spoken exchange.
func (c *Controller) StartRecording(ctx context.Context) error {
	if c.recorder == nil {
		return &audio.CaptureUnavailableError{Err: errors.New("no recorder configured")}
	}
	id, err := c.begin(Recording, "start recording")
	if err != nil {
		return err
	}
	if err := c.recorder.Start(ctx); err != nil {
		c.end(id, "capture_error")
		c.log.Warn("recording failed to start", zap.Error(err))
		return err
	}
	c.log.Debug("recording started", zap.Uint64("exchange", id))
	return nil
}

// StopRecording finalizes the recording, transcribes it and sends the text.
// Any failure before the send returns the session to idle with nothing appended.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Recording {
		state := c.state
		c.mu.Unlock()
		if state == Idle {
			return audio.ErrNotRecording
		}
		return &BusyError{Op: "stop recording", State: state}
	}
	id := c.exchange
	c.state = Transcribing
	c.mu.Unlock()

	artifact, err := c.recorder.Stop()
	if err != nil {
		c.end(id, "capture_error")
		return err
	}

	if c.transcriber == nil {
		c.end(id, "transcription_error")
		return errors.New("no transcriber configured")
	}
	transcript, err := c.transcriber.Transcribe(ctx, artifact)
	if err != nil {
		c.end(id, "transcription_error")
		return err
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		c.end(id, "empty_transcript")
		return ErrEmptyTranscript
	}

	if !c.advance(id, Transcribing, Sending) {
		return fmt.Errorf("exchange %d was cancelled during transcription", id)
	}
	return c.send(ctx, id, text, stream.Metadata{
		"source":      "audio",
		"audio_id":    artifact.ID,
		"duration_ms": artifact.Duration.Milliseconds(),
	})
}

// Close abandons any recording in progress.
func (c *Controller) Close() {
	c.mu.Lock()
	recording := c.state == Recording
	id := c.exchange
	c.mu.Unlock()
	if recording {
		c.recorder.Cancel()
		c.end(id, "cancelled")
	}
}

func (c *Controller) begin(next State, op string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return 0, &BusyError{Op: op, State: c.state}
	}
	c.lastID++
	c.exchange = c.lastID
	c.state = next
	c.startedAt = time.Now()
	return c.exchange, nil
}

// advance moves exchange id from one state to the next if it is still current.
func (c *Controller) advance(id uint64, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchange != id || c.state != from {
		return false
	}
	c.state = to
	return true
}

// end returns the session to idle if id is still the current exchange.
func (c *Controller) end(id uint64, outcome string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLocked(id, outcome)
}

func (c *Controller) endLocked(id uint64, outcome string) bool {
	if c.exchange != id || c.state == Idle {
		return false
	}
	c.state = Idle
	c.exchange = 0
	if c.metrics != nil {
		c.metrics.Exchanges.WithLabelValues(outcome).Inc()
		c.metrics.ExchangeDuration.Observe(time.Since(c.startedAt).Seconds())
	}
	return true
}

func (c *Controller) send(ctx context.Context, id uint64, content string, metadata stream.Metadata) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		c.end(id, "send_error")
		return ErrNotAttached
	}

	if _, err := c.store.SaveMessage(ctx, chat.Message{
		SessionID: c.session.ID,
		Role:      chat.RoleUser,
		Content:   content,
		Metadata:  map[string]any(metadata),
	}); err != nil {
		c.end(id, "send_error")
		return fmt.Errorf("record user message: %w", err)
	}

	outbound := stream.Outbound{
		RequestType: stream.RequestText,
		Content:     content,
		Metadata:    stream.Metadata{"session_id": c.session.ID, "request_id": uuid.NewString()},
	}
	for k, v := range metadata {
		outbound.Metadata[k] = v
	}

	c.dispatcher.Begin(id)
	if err := transport.Send(outbound); err != nil {
		c.dispatcher.Abort(id)
		if !c.end(id, "send_error") {
			// The connection loss already ended the exchange and reported it on Results.
			c.log.Debug("send failed after exchange was aborted", zap.Uint64("exchange", id), zap.Error(err))
			return nil
		}
		c.log.Warn("send failed", zap.Uint64("exchange", id), zap.Error(err))
		return err
	}
	c.advance(id, Sending, Streaming)
	c.log.Debug("exchange sent", zap.Uint64("exchange", id), zap.String("source", fmt.Sprint(metadata["source"])))
	return nil
}

// complete receives the dispatcher's terminal outcome for an exchange.
func (c *Controller) complete(done dispatch.Completion) {
	if done.Err != nil {
		if c.end(done.Exchange, "service_error") {
			c.publish(Result{Exchange: done.Exchange, Err: done.Err})
		}
		return
	}

	c.mu.Lock()
	if c.exchange != done.Exchange || c.state == Idle {
		c.mu.Unlock()
		c.log.Debug("ignoring completion of a finished exchange", zap.Uint64("exchange", done.Exchange))
		return
	}
	message := done.Message
	message.SessionID = c.session.ID
	stored, err := c.store.SaveMessage(context.Background(), message)
	outcome := "done"
	if err != nil {
		outcome = "store_error"
	}
	c.endLocked(done.Exchange, outcome)
	c.mu.Unlock()

	if err != nil {
		c.publish(Result{Exchange: done.Exchange, Err: fmt.Errorf("record assistant message: %w", err)})
		return
	}
	c.publish(Result{Exchange: done.Exchange, Message: &stored})
}

// onConnectionState aborts an exchange whose response can no longer arrive.
func (c *Controller) onConnectionState(s connection.State) {
	if s.Phase != connection.Reconnecting && s.Phase != connection.Disconnected {
		return
	}

	c.mu.Lock()
	id := c.exchange
	inFlight := c.state == Sending || c.state == Streaming
	c.mu.Unlock()
	if !inFlight {
		return
	}

	err := fmt.Errorf("%w (%s)", ErrConnectionLost, s)
	if s.Cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, s.Cause)
	}
	c.dispatcher.Abort(id)
	if c.end(id, "connection_lost") {
		c.log.Warn("exchange aborted", zap.Uint64("exchange", id), zap.Error(err))
		c.publish(Result{Exchange: id, Err: err})
	}
}

func (c *Controller) publish(r Result) {
	select {
	case c.results <- r:
	default:
		c.log.Error("result queue full, dropping exchange outcome", zap.Uint64("exchange", r.Exchange), zap.Error(r.Err))
	}
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/chat"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/audio"
	chatservice "github.com/zhouzirui/z-tavern/realtime/internal/service/chat"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/connection"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/dispatch"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/transcription"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []stream.Outbound
	err      error
	onFail   func()
	onSend   func(stream.Outbound)
	listener func(connection.State)
}

func (t *fakeTransport) Send(msg stream.Outbound) error {
	t.mu.Lock()
	if t.err != nil {
		err, hook := t.err, t.onFail
		t.mu.Unlock()
		if hook != nil {
			hook()
		}
		return err
	}
	t.sent = append(t.sent, msg)
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (t *fakeTransport) Subscribe(fn func(connection.State)) { t.listener = fn }

func (t *fakeTransport) Sent() []stream.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stream.Outbound(nil), t.sent...)
}

type fakeRecorder struct {
	startErr  error
	artifact  speech.Artifact
	stopErr   error
	started   int
	cancelled int
}

func (r *fakeRecorder) Start(context.Context) error {
	r.started++
	return r.startErr
}

func (r *fakeRecorder) Stop() (speech.Artifact, error) { return r.artifact, r.stopErr }

func (r *fakeRecorder) Cancel() { r.cancelled++ }

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (t *fakeTranscriber) Transcribe(context.Context, speech.Artifact) (speech.Transcript, error) {
	t.calls++
	if t.err != nil {
		return speech.Transcript{}, t.err
	}
	return speech.Transcript{Text: t.text}, nil
}

type fixture struct {
	ctrl        *Controller
	transport   *fakeTransport
	recorder    *fakeRecorder
	transcriber *fakeTranscriber
	metrics     *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		recorder: &fakeRecorder{artifact: speech.Artifact{
			ID: "rec-1", Data: []byte("RIFF"), Encoding: "wav", Format: speech.DefaultFormat(),
		}},
		transcriber: &fakeTranscriber{text: "  what time is it  "},
		metrics:     metrics.New(),
	}
	ctrl, err := New(context.Background(), Options{
		Recorder:    f.recorder,
		Transcriber: f.transcriber,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	ctrl.Attach(f.transport)
	f.ctrl = ctrl
	return f
}

func (f *fixture) frames(raw ...string) {
	for _, r := range raw {
		f.ctrl.HandleFrame(stream.TextFrame, []byte(r))
	}
}

func (f *fixture) result(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-f.ctrl.Results():
		return r
	default:
		t.Fatal("expected an exchange result")
		return Result{}
	}
}

func (f *fixture) noResult(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.ctrl.Results():
		t.Fatalf("unexpected result: %+v", r)
	default:
	}
}

func (f *fixture) messages(t *testing.T) []chat.Message {
	t.Helper()
	msgs, err := f.ctrl.Messages(context.Background())
	require.NoError(t, err)
	return msgs
}

func TestSendTextStreamsReplyIntoMessage(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.SendText(context.Background(), "Hello"))
	assert.Equal(t, Streaming, f.ctrl.State())
	assert.True(t, f.ctrl.Busy())

	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, stream.RequestText, sent[0].RequestType)
	assert.Equal(t, "Hello", sent[0].Content)
	assert.Equal(t, f.ctrl.Session().ID, sent[0].Metadata["session_id"])
	assert.NotEmpty(t, sent[0].Metadata["request_id"])

	f.frames(`{"type":"text","content":"Hi"}`, `{"type":"text","content":" there"}`)
	assert.Equal(t, "Hi there", f.ctrl.View().Partial)
	f.frames(`{"type":"done","content":"","metadata":{}}`)

	r := f.result(t)
	require.NoError(t, r.Err)
	require.NotNil(t, r.Message)
	assert.Equal(t, "Hi there", r.Message.Content)
	assert.Equal(t, chat.RoleAssistant, r.Message.Role)

	assert.Equal(t, Idle, f.ctrl.State())
	assert.False(t, f.ctrl.Busy())
	view := f.ctrl.View()
	assert.Nil(t, view.Council)
	assert.Empty(t, view.Partial)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Exchanges.WithLabelValues("done")))
}

func TestCouncilSnapshotAttachedToMessage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.SendText(context.Background(), "Should I?"))

	f.frames(`{"type":"council_update","content":{"stage":"review","members":[{"id":"a","opinion":"yes","score":0.2,"status":"complete"},{"id":"b","opinion":"no","score":0.9,"status":"complete"}],"dissent":true}}`)
	view := f.ctrl.View()
	require.NotNil(t, view.Council)
	assert.True(t, view.Council.HasDissent())

	f.frames(`{"type":"text","content":"Maybe."}`, `{"type":"done","content":""}`)

	r := f.result(t)
	require.NotNil(t, r.Message)
	council, ok := r.Message.Metadata[dispatch.CouncilMetadataKey].(stream.CouncilUpdate)
	require.True(t, ok)
	assert.Len(t, council.Members, 2)
	assert.Nil(t, f.ctrl.View().Council)
}

func TestBusyRejectsWithoutChangingState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.SendText(context.Background(), "first"))
	f.frames(`{"type":"text","content":"partial"}`)

	err := f.ctrl.SendText(context.Background(), "second")
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, Streaming, busy.State)

	require.ErrorAs(t, f.ctrl.StartRecording(context.Background()), &busy)
	assert.Zero(t, f.recorder.started)

	assert.Equal(t, Streaming, f.ctrl.State())
	assert.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, "partial", f.ctrl.View().Partial)
	assert.Len(t, f.messages(t), 1)
}

func TestBusyWhileRecording(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.StartRecording(context.Background()))

	var busy *BusyError
	require.ErrorAs(t, f.ctrl.SendText(context.Background(), "typed"), &busy)
	assert.Equal(t, Recording, busy.State)
	require.ErrorAs(t, f.ctrl.StartRecording(context.Background()), &busy)
	assert.Equal(t, 1, f.recorder.started)
	assert.Equal(t, Recording, f.ctrl.State())
}

func TestRecordingPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.recorder.startErr = &audio.CaptureUnavailableError{Err: errors.New("permission denied")}

	err := f.ctrl.StartRecording(context.Background())
	var unavailable *audio.CaptureUnavailableError
	require.ErrorAs(t, err, &unavailable)

	assert.Equal(t, Idle, f.ctrl.State())
	assert.False(t, f.ctrl.Busy())
	assert.Empty(t, f.messages(t))
	assert.Empty(t, f.transport.Sent())
	f.noResult(t)
}

func TestRecordingTranscribedAndSent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.StartRecording(context.Background()))
	require.NoError(t, f.ctrl.StopRecording(context.Background()))

	assert.Equal(t, Streaming, f.ctrl.State())
	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, stream.RequestText, sent[0].RequestType)
	assert.Equal(t, "what time is it", sent[0].Content)
	assert.Equal(t, "audio", sent[0].Metadata["source"])
	assert.Equal(t, "rec-1", sent[0].Metadata["audio_id"])

	f.frames(`{"type":"text","content":"Noon."}`, `{"type":"done","content":""}`)
	r := f.result(t)
	require.NotNil(t, r.Message)
	assert.Equal(t, "Noon.", r.Message.Content)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "what time is it", msgs[0].Content)
	assert.Equal(t, Idle, f.ctrl.State())
}

func TestTranscriptionFailureAbortsExchange(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = &transcription.TranscriptionError{StatusCode: 503, Err: errors.New("model unavailable")}

	require.NoError(t, f.ctrl.StartRecording(context.Background()))
	err := f.ctrl.StopRecording(context.Background())
	var terr *transcription.TranscriptionError
	require.ErrorAs(t, err, &terr)

	assert.Equal(t, Idle, f.ctrl.State())
	assert.Empty(t, f.transport.Sent())
	assert.Empty(t, f.messages(t))
	assert.Equal(t, 1, f.transcriber.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Exchanges.WithLabelValues("transcription_error")))
}

func TestEmptyTranscriptAbortsExchange(t *testing.T) {
	f := newFixture(t)
	f.transcriber.text = "   "

	require.NoError(t, f.ctrl.StartRecording(context.Background()))
	require.ErrorIs(t, f.ctrl.StopRecording(context.Background()), ErrEmptyTranscript)

	assert.Equal(t, Idle, f.ctrl.State())
	assert.Empty(t, f.transport.Sent())
	assert.Empty(t, f.messages(t))
}

func TestCaptureStopFailureAbortsExchange(t *testing.T) {
	f := newFixture(t)
	f.recorder.stopErr = audio.ErrEmptyRecording

	require.NoError(t, f.ctrl.StartRecording(context.Background()))
	require.ErrorIs(t, f.ctrl.StopRecording(context.Background()), audio.ErrEmptyRecording)

	assert.Equal(t, Idle, f.ctrl.State())
	assert.Zero(t, f.transcriber.calls)
}

func TestStopRecordingWhenIdle(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ctrl.StopRecording(context.Background()), audio.ErrNotRecording)
}

func TestServiceErrorChunkAbortsExchange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.SendText(context.Background(), "Hello"))
	f.frames(`{"type":"text","content":"Hi"}`, `{"type":"error","content":"quota exceeded"}`)

	r := f.result(t)
	var svcErr *dispatch.ServiceError
	require.ErrorAs(t, r.Err, &svcErr)
	assert.Equal(t, "quota exceeded", svcErr.Message)
	assert.Nil(t, r.Message)

	assert.False(t, f.ctrl.Busy())
	assert.Empty(t, f.ctrl.View().Partial)
	assert.Len(t, f.messages(t), 1, "only the user turn is recorded")

	// The session accepts a new exchange right away.
	require.NoError(t, f.ctrl.SendText(context.Background(), "again"))
}

func TestSendFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.transport.err = connection.ErrNotConnected

	require.ErrorIs(t, f.ctrl.SendText(context.Background(), "Hello"), connection.ErrNotConnected)
	assert.Equal(t, Idle, f.ctrl.State())
	assert.Empty(t, f.ctrl.View().Partial)
	f.noResult(t)
}

func TestConnectionLostDuringSendReportedOnce(t *testing.T) {
	f := newFixture(t)
	f.transport.err = &connection.ConnectionError{Endpoint: "ws://x", Err: errors.New("broken pipe")}
	f.transport.onFail = func() {
		f.transport.listener(connection.State{Phase: connection.Reconnecting, Attempt: 1})
	}

	require.NoError(t, f.ctrl.SendText(context.Background(), "Hello"), "outcome goes to Results only")
	assert.Equal(t, Idle, f.ctrl.State())

	r := f.result(t)
	assert.ErrorIs(t, r.Err, ErrConnectionLost)
	f.noResult(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Exchanges.WithLabelValues("connection_lost")))
	assert.Zero(t, testutil.ToFloat64(f.metrics.Exchanges.WithLabelValues("send_error")))
}

func TestResumeExistingSession(t *testing.T) {
	store := chatservice.NewService()
	first, err := New(context.Background(), Options{Store: store})
	require.NoError(t, err)

	resumed, err := New(context.Background(), Options{Store: store, SessionID: first.Session().ID})
	require.NoError(t, err)
	assert.Equal(t, first.Session().ID, resumed.Session().ID)

	_, err = New(context.Background(), Options{Store: store, SessionID: "missing"})
	assert.ErrorIs(t, err, chatservice.ErrSessionNotFound)
}

func TestEmptyInputRejected(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ctrl.SendText(context.Background(), "  \n"), ErrEmptyInput)
	assert.Equal(t, Idle, f.ctrl.State())
}

func TestConnectionLossAbortsStreamingExchange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.SendText(context.Background(), "Hello"))
	f.frames(`{"type":"text","content":"Hi"}`)

	f.transport.listener(connection.State{Phase: connection.Reconnecting, Attempt: 1})

	r := f.result(t)
	require.ErrorIs(t, r.Err, ErrConnectionLost)
	assert.False(t, f.ctrl.Busy())

	// A late done from the old exchange is ignored.
	f.frames(`{"type":"done","content":""}`)
	f.noResult(t)
	assert.Len(t, f.messages(t), 1)
}

func TestTerminalDisconnectCarriesCause(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.SendText(context.Background(), "Hello"))

	cause := &connection.ConnectionError{Endpoint: "ws://x", Attempt: 5, Exhausted: true, Err: errors.New("refused")}
	f.transport.listener(connection.State{Phase: connection.Disconnected, Cause: cause})

	r := f.result(t)
	var connErr *connection.ConnectionError
	require.ErrorAs(t, r.Err, &connErr)
	assert.True(t, connErr.Exhausted)
	assert.ErrorIs(t, r.Err, ErrConnectionLost)
}

func TestConnectionLossIgnoredWhenIdleOrRecording(t *testing.T) {
	f := newFixture(t)
	f.transport.listener(connection.State{Phase: connection.Reconnecting, Attempt: 1})
	f.noResult(t)

	require.NoError(t, f.ctrl.StartRecording(context.Background()))
	f.transport.listener(connection.State{Phase: connection.Reconnecting, Attempt: 2})
	assert.Equal(t, Recording, f.ctrl.State())
	f.noResult(t)
}

func TestDoneBeforeSendReturns(t *testing.T) {
	f := newFixture(t)
	f.transport.onSend = func(stream.Outbound) {
		f.frames(`{"type":"text","content":"fast"}`, `{"type":"done","content":""}`)
	}

	require.NoError(t, f.ctrl.SendText(context.Background(), "Hello"))

	assert.Equal(t, Idle, f.ctrl.State(), "completion is not overwritten by the streaming transition")
	r := f.result(t)
	require.NotNil(t, r.Message)
	assert.Equal(t, "fast", r.Message.Content)
}

func TestCloseCancelsRecording(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.StartRecording(context.Background()))

	f.ctrl.Close()
	assert.Equal(t, 1, f.recorder.cancelled)
	assert.Equal(t, Idle, f.ctrl.State())
}

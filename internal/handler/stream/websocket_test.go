package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
)

func dialStub(t *testing.T) *websocket.Conn {
	t.Helper()
	r := chi.NewRouter()
	New(1000, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readExchange reads chunks until a terminal one arrives.
func readExchange(t *testing.T, conn *websocket.Conn) (chunks []model.Chunk, malformed int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		kind := model.TextFrame
		if messageType == websocket.BinaryMessage {
			kind = model.BinaryFrame
		}
		chunk, err := model.ParseFrame(kind, data)
		if err != nil {
			malformed++
			continue
		}
		chunks = append(chunks, chunk)
		switch chunk.(type) {
		case model.DoneChunk, model.ErrorChunk:
			return chunks, malformed
		}
	}
}

func TestStubStreamsCouncilTextAndDone(t *testing.T) {
	conn := dialStub(t)
	require.NoError(t, conn.WriteJSON(model.Outbound{
		RequestType: model.RequestText,
		Content:     "hello council",
		Metadata:    model.Metadata{"request_id": "r-1"},
	}))

	chunks, malformed := readExchange(t, conn)
	assert.Zero(t, malformed)

	var text strings.Builder
	var stages []model.Stage
	for _, c := range chunks {
		switch c := c.(type) {
		case model.TextChunk:
			text.WriteString(c.Text)
		case model.CouncilChunk:
			stages = append(stages, c.Update.Stage)
		}
	}
	assert.Equal(t, Reply("hello council"), text.String())
	assert.Equal(t, []model.Stage{model.StageOpinions, model.StageReview, model.StageSynthesis}, stages)

	done, ok := chunks[len(chunks)-1].(model.DoneChunk)
	require.True(t, ok)
	assert.Equal(t, "r-1", done.Metadata["request_id"])
}

func TestStubErrorCommand(t *testing.T) {
	conn := dialStub(t)
	require.NoError(t, conn.WriteJSON(model.Outbound{RequestType: model.RequestText, Content: CommandError}))

	chunks, _ := readExchange(t, conn)
	errChunk, ok := chunks[len(chunks)-1].(model.ErrorChunk)
	require.True(t, ok)
	assert.Equal(t, "council unavailable", errChunk.Message)
}

func TestStubRejectsUnknownRequestType(t *testing.T) {
	conn := dialStub(t)
	require.NoError(t, conn.WriteJSON(model.Outbound{RequestType: "hologram", Content: "x"}))

	chunks, _ := readExchange(t, conn)
	require.Len(t, chunks, 1)
	assert.IsType(t, model.ErrorChunk{}, chunks[0])
}

func TestStubMalformedAndAudioCommands(t *testing.T) {
	conn := dialStub(t)

	require.NoError(t, conn.WriteJSON(model.Outbound{RequestType: model.RequestText, Content: CommandMalformed}))
	_, malformed := readExchange(t, conn)
	assert.Equal(t, 1, malformed)

	require.NoError(t, conn.WriteJSON(model.Outbound{RequestType: model.RequestText, Content: CommandAudio}))
	chunks, _ := readExchange(t, conn)
	audio, ok := chunks[0].(model.AudioChunk)
	require.True(t, ok)
	assert.Len(t, audio.Data, 320)
}

func TestDeliberateDissentFollowsVariance(t *testing.T) {
	updates := deliberate("anything")
	require.Len(t, updates, 3)
	assert.Nil(t, updates[0].Dissent, "opinions stage carries no dissent")

	want := variance(memberScores("anything")) > dissentVariance
	require.NotNil(t, updates[1].Dissent)
	assert.Equal(t, want, *updates[1].Dissent)
	assert.Equal(t, want, *updates[2].Dissent)
	for _, m := range updates[0].Members {
		assert.Equal(t, model.MemberThinking, m.Status)
	}
}

func TestVariance(t *testing.T) {
	assert.Zero(t, variance([]float64{0.5}))
	assert.InDelta(t, 0.5, variance([]float64{0, 1}), 1e-9)
	assert.InDelta(t, 0, variance([]float64{0.3, 0.3, 0.3}), 1e-9)
}

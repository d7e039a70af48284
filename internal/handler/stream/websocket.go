package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	model "github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
)

// Commands a client can send as message content to exercise failure paths.
const (
	CommandError     = "/error"
	CommandMalformed = "/malformed"
	CommandAudio     = "/audio"
	CommandDrop      = "/drop"
)

// Handler 助手流式对话的 WebSocket 桩实现
type Handler struct {
	upgrader  websocket.Upgrader
	chunkRate float64
	log       *zap.Logger
}

// New 创建流式处理器，chunkRate 为每秒发送的分片数
func New(chunkRate float64, log *zap.Logger) *Handler {
	if chunkRate <= 0 {
		chunkRate = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		chunkRate: chunkRate,
		log:       log,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.log.Info("websocket connected", zap.String("remote", r.RemoteAddr))
	limiter := rate.NewLimiter(rate.Limit(h.chunkRate), 1)

	for {
		var msg model.Outbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		if err := h.respond(ctx, conn, limiter, msg); err != nil {
			h.log.Info("websocket closed while responding", zap.Error(err))
			return
		}
	}
}

// respond 按顺序推送一次交换的全部分片，最后以 done 或 error 结束
func (h *Handler) respond(ctx context.Context, conn *websocket.Conn, limiter *rate.Limiter, msg model.Outbound) error {
	send := func(chunk model.Chunk) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		data, err := model.MarshalChunk(chunk)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if !msg.RequestType.Valid() {
		return send(model.ErrorChunk{Message: fmt.Sprintf("unsupported request type %q", msg.RequestType)})
	}

	content := strings.TrimSpace(msg.Content)
	switch content {
	case CommandError:
		if err := send(model.TextChunk{Text: "Thinking"}); err != nil {
			return err
		}
		return send(model.ErrorChunk{Message: "council unavailable"})
	case CommandDrop:
		if err := send(model.TextChunk{Text: "Hold on"}); err != nil {
			return err
		}
		return fmt.Errorf("connection dropped on request")
	case CommandMalformed:
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text","content":`)); err != nil {
			return err
		}
	case CommandAudio:
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, silence(160)); err != nil {
			return err
		}
	}

	updates := deliberate(content)
	if err := send(model.CouncilChunk{Update: updates[0]}); err != nil {
		return err
	}
	for i, word := range replyWords(content) {
		if err := send(model.TextChunk{Text: word}); err != nil {
			return err
		}
		if i == 0 {
			if err := send(model.CouncilChunk{Update: updates[1]}); err != nil {
				return err
			}
		}
	}
	if err := send(model.CouncilChunk{Update: updates[2]}); err != nil {
		return err
	}

	metadata := model.Metadata{"completed_at": time.Now().UTC().Format(time.RFC3339)}
	if requestID, ok := msg.Metadata["request_id"]; ok {
		metadata["request_id"] = requestID
	}
	return send(model.DoneChunk{Metadata: metadata})
}

// replyWords splits the echoed reply into space-preserving fragments.
func replyWords(content string) []string {
	reply := "You said: " + content
	fields := strings.Fields(reply)
	words := make([]string, len(fields))
	for i, f := range fields {
		if i > 0 {
			f = " " + f
		}
		words[i] = f
	}
	return words
}

// Reply is the full text the stub streams back for content.
func Reply(content string) string {
	return strings.Join(replyWords(strings.TrimSpace(content)), "")
}

func silence(samples int) []byte {
	return make([]byte, samples*2)
}

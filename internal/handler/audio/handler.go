package audio

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	audiosvc "github.com/zhouzirui/z-tavern/realtime/internal/service/audio"
	"github.com/zhouzirui/z-tavern/realtime/pkg/utils"
)

// maxUploadSize 单次上传的最大字节数
const maxUploadSize = 32 << 20

// Transcriber 将一段录音转写为文本
type Transcriber func(filename string, data []byte) (string, error)

// Handler 语音转写的HTTP处理器
type Handler struct {
	transcribe Transcriber
	log        *zap.Logger
}

// New 创建转写处理器；transcribe 为空时使用按文件大小生成文本的桩实现
func New(transcribe Transcriber, log *zap.Logger) *Handler {
	if transcribe == nil {
		transcribe = StubTranscriber
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{transcribe: transcribe, log: log}
}

// RegisterRoutes 注册转写路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/audio/transcribe", h.handleTranscribe)
}

// transcribeResponse 转写响应
type transcribeResponse struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// handleTranscribe 处理语音转文本请求
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio data")
		return
	}
	if len(data) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "audio file is empty")
		return
	}

	metadata := map[string]any{
		"format": formatOf(header.Filename),
		"size":   len(data),
	}
	if metadata["format"] == "wav" {
		info, err := audiosvc.ReadWAVInfo(data)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid wav upload: "+err.Error())
			return
		}
		metadata["duration_ms"] = info.Duration.Milliseconds()
		metadata["sample_rate"] = info.Format.SampleRate
	}

	text, err := h.transcribe(header.Filename, data)
	if err != nil {
		h.log.Warn("transcription failed", zap.String("file", header.Filename), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info("transcribed upload", zap.String("file", header.Filename), zap.Int("bytes", len(data)))
	utils.RespondJSON(w, http.StatusOK, transcribeResponse{
		Text:     text,
		Metadata: metadata,
	})
}

// StubTranscriber 返回描述录音大小的固定文本
func StubTranscriber(filename string, data []byte) (string, error) {
	return "voice note of " + strconv.Itoa(len(data)) + " bytes", nil
}

func formatOf(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "wav"
	}
	return ext
}

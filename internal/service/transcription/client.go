package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
)

// TranscriptionError wraps every failure of a transcription call.
type TranscriptionError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TranscriptionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transcription failed (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Config contains transcription client configuration.
type Config struct {
	BaseURL string // e.g. http://localhost:8000/api
	Timeout time.Duration
}

// Client uploads recordings to the transcription endpoint. Calls are never retried.
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a transcription client.
func NewClient(config Config, log *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("transcription base url cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint:   strings.TrimRight(config.BaseURL, "/") + "/audio/transcribe",
		httpClient: &http.Client{Timeout: config.Timeout},
		log:        log,
		metrics:    m,
	}, nil
}

// Transcribe sends one recording and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, artifact speech.Artifact) (speech.Transcript, error) {
	start := time.Now()
	transcript, err := c.doRequest(ctx, artifact)
	if c.metrics != nil {
		c.metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.TranscriptionFailures.Inc()
		}
		c.log.Warn("transcription failed", zap.String("artifact", artifact.ID), zap.Error(err))
		return speech.Transcript{}, err
	}

	transcript.ReceivedAt = time.Now()
	transcript.Latency = transcript.ReceivedAt.Sub(start)
	c.log.Debug("transcription complete", zap.Duration("latency", transcript.Latency), zap.Int("chars", len(transcript.Text)))
	return transcript, nil
}

func (c *Client) doRequest(ctx context.Context, artifact speech.Artifact) (speech.Transcript, error) {
	if len(artifact.Data) == 0 {
		return speech.Transcript{}, &TranscriptionError{Err: fmt.Errorf("empty recording")}
	}

	body, contentType, err := createMultipartBody(artifact)
	if err != nil {
		return speech.Transcript{}, &TranscriptionError{Err: fmt.Errorf("failed to create multipart request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return speech.Transcript{}, &TranscriptionError{Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return speech.Transcript{}, &TranscriptionError{Err: fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return speech.Transcript{}, &TranscriptionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return speech.Transcript{}, &TranscriptionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(respBody)))}
	}

	var transcript speech.Transcript
	if err := json.Unmarshal(respBody, &transcript); err != nil {
		return speech.Transcript{}, &TranscriptionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response JSON: %w", err)}
	}
	return transcript, nil
}

func createMultipartBody(artifact speech.Artifact) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", artifact.Filename())
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(artifact.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

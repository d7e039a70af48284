package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
)

// Microphone opens a raw little-endian PCM stream in the requested format.
// Closing the stream releases the device; reads then drain to EOF.
type Microphone interface {
	Open(ctx context.Context, format speech.Format) (io.ReadCloser, error)
}

// CaptureService records one utterance at a time.
type CaptureService struct {
	mic    Microphone
	format speech.Format
	log    *zap.Logger

	mu     sync.Mutex
	active *recording
}

type recording struct {
	stream  io.ReadCloser
	buf     bytes.Buffer
	done    chan struct{}
	err     error
	started time.Time
}

// NewCaptureService creates a capture service; a zero format means 16 kHz mono 16-bit.
func NewCaptureService(mic Microphone, format speech.Format, log *zap.Logger) *CaptureService {
	if format == (speech.Format{}) {
		format = speech.DefaultFormat()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CaptureService{mic: mic, format: format, log: log}
}

// Recording reports whether the microphone is still delivering audio. It turns
// false as soon as the device stream ends, even before Stop collects the result.
func (s *CaptureService) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && !s.active.finished()
}

func (r *recording) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Start opens the microphone and begins buffering audio.
func (s *CaptureService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		if !s.active.finished() {
			return ErrAlreadyRecording
		}
		// The previous device stream died and was never collected.
		s.active.stream.Close()
		s.log.Warn("discarding ended capture", zap.Error(s.active.err))
		s.active = nil
	}

	stream, err := s.mic.Open(ctx, s.format)
	if err != nil {
		var unavailable *CaptureUnavailableError
		if errors.As(err, &unavailable) {
			return err
		}
		return &CaptureUnavailableError{Err: err}
	}

	rec := &recording{stream: stream, done: make(chan struct{}), started: time.Now()}
	go func() {
		defer close(rec.done)
		if _, err := io.Copy(&rec.buf, stream); err != nil {
			rec.err = err
			s.log.Warn("microphone stream failed", zap.Error(err))
		}
	}()
	s.active = rec
	s.log.Debug("capture started")
	return nil
}

// Stop releases the microphone and returns the recording as one WAV artifact.
func (s *CaptureService) Stop() (speech.Artifact, error) {
	rec, err := s.release()
	if err != nil {
		return speech.Artifact{}, err
	}

	pcm := rec.buf.Bytes()
	frame := s.format.Channels * s.format.BitDepth / 8
	if frame > 0 {
		pcm = pcm[:len(pcm)-len(pcm)%frame]
	}
	if len(pcm) == 0 {
		if rec.err != nil {
			return speech.Artifact{}, &CaptureUnavailableError{Err: rec.err}
		}
		return speech.Artifact{}, ErrEmptyRecording
	}
	if rec.err != nil {
		s.log.Warn("capture ended with error, keeping buffered audio", zap.Error(rec.err))
	}

	wav, err := EncodeWAV(pcm, s.format)
	if err != nil {
		return speech.Artifact{}, err
	}

	artifact := speech.Artifact{
		ID:        uuid.NewString(),
		Data:      wav,
		Encoding:  "wav",
		Format:    s.format,
		Duration:  pcmDuration(len(pcm), s.format),
		CreatedAt: time.Now().UTC(),
	}
	s.log.Debug("capture stopped", zap.Duration("duration", artifact.Duration), zap.Int("bytes", len(wav)))
	return artifact, nil
}

// Cancel releases the microphone and discards anything captured.
func (s *CaptureService) Cancel() {
	if _, err := s.release(); err == nil {
		s.log.Debug("capture cancelled")
	}
}

func (s *CaptureService) release() (*recording, error) {
	s.mu.Lock()
	rec := s.active
	s.active = nil
	s.mu.Unlock()

	if rec == nil {
		return nil, ErrNotRecording
	}
	if err := rec.stream.Close(); err != nil {
		s.log.Warn("closing microphone", zap.Error(err))
	}
	<-rec.done
	return rec, nil
}

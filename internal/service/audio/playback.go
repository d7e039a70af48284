package audio

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
)

// Renderer plays one clip to completion.
type Renderer interface {
	Render(ctx context.Context, clip speech.Clip) error
}

// PlaybackOptions configures a PlaybackService.
type PlaybackOptions struct {
	QueueSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// PlaybackService queues clips FIFO and renders them one at a time. When the
// queue is full newly arriving clips are dropped.
type PlaybackService struct {
	out     Renderer
	queue   chan speech.Clip
	log     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPlaybackService starts the playback worker.
func NewPlaybackService(out Renderer, opts PlaybackOptions) *PlaybackService {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PlaybackService{
		out:     out,
		queue:   make(chan speech.Clip, opts.QueueSize),
		log:     log,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Play enqueues clip without blocking.
func (s *PlaybackService) Play(clip speech.Clip) {
	if len(clip.Data) == 0 {
		return
	}
	if s.ctx.Err() != nil {
		s.drop("playback stopped")
		return
	}
	select {
	case s.queue <- clip:
		if s.metrics != nil {
			s.metrics.PlaybackQueued.Inc()
		}
	default:
		s.drop("queue full")
	}
}

// Close stops the worker, abandoning queued clips, and waits for it to exit.
func (s *PlaybackService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *PlaybackService) drop(reason string) {
	if s.metrics != nil {
		s.metrics.PlaybackDropped.Inc()
	}
	s.log.Warn("dropping audio clip", zap.String("reason", reason))
}

func (s *PlaybackService) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case clip := <-s.queue:
			if err := s.out.Render(s.ctx, clip); err != nil && s.ctx.Err() == nil {
				if s.metrics != nil {
					s.metrics.PlaybackErrors.Inc()
				}
				s.log.Warn("audio playback failed", zap.Error(err))
			}
		}
	}
}

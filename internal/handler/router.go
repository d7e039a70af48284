package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/handler/audio"
	"github.com/zhouzirui/z-tavern/realtime/internal/handler/health"
	"github.com/zhouzirui/z-tavern/realtime/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/realtime/internal/logging"
)

// Options 桩服务路由所需的依赖
type Options struct {
	ChunkRate   float64
	Transcriber audio.Transcriber
	Registry    *health.Registry
	Logger      *zap.Logger
}

// NewRouter 将桩服务的各个处理器挂到路由上
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logging.Named(opts.Logger, "http")))
	r.Use(middleware.Recoverer)

	stream.New(opts.ChunkRate, logging.Named(opts.Logger, "stream")).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		audio.New(opts.Transcriber, logging.Named(opts.Logger, "audio")).RegisterRoutes(api)
		health.New(opts.Registry).RegisterRoutes(api)
	})

	return r
}

// requestLogger 以结构化日志记录每个请求
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

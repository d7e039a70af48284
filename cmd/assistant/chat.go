package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/audio"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/connection"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/dispatch"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/session"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/transcription"
)

var errQuit = errors.New("quit")

// chatCmd runs an interactive session
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive session with typed and spoken input",
	Long: `Open a session against the assistant service.

Type a line to send it. Commands:
  /rec        start recording, or stop and send the transcript
  /cancel     discard the current recording
  /status     show connection and session state
  /reconnect  reconnect after the connection gave up
  /quit       leave`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	format := speech.DefaultFormat()
	format.SampleRate = cfg.Audio.SampleRate

	playback := audio.NewPlaybackService(&audio.ExecPlayer{
		Command: cfg.Audio.PlaybackCommand,
		Format:  format,
	}, audio.PlaybackOptions{
		QueueSize: cfg.Audio.PlaybackQueue,
		Logger:    logger.Named("playback"),
		Metrics:   m,
	})
	defer playback.Close()

	capture := audio.NewCaptureService(&audio.ExecMicrophone{
		Command:     cfg.Audio.CaptureCommand,
		Device:      cfg.Audio.CaptureDevice,
		InputFormat: cfg.Audio.CaptureFormat,
		Logger:      logger.Named("microphone"),
	}, format, logger.Named("capture"))

	transcriber, err := transcription.NewClient(transcription.Config{
		BaseURL: cfg.Endpoint.APIURL,
		Timeout: cfg.Endpoint.Timeout(),
	}, logger.Named("transcription"), m)
	if err != nil {
		return err
	}

	controller, err := session.New(ctx, session.Options{
		Recorder:    capture,
		Transcriber: transcriber,
		Player:      playback,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	opts := connection.DefaultOptions(cfg.Endpoint.WebSocketURL)
	opts.Base = cfg.Connection.ReconnectBase()
	opts.MaxAttempts = cfg.Connection.ReconnectMaxAttempts
	opts.PingInterval = cfg.Connection.Ping()
	opts.Logger = logger.Named("connection")
	opts.Metrics = m
	manager := connection.NewManager(opts, controller.HandleFrame)
	controller.Attach(manager)

	out := cmd.OutOrStdout()
	manager.Subscribe(func(s connection.State) {
		fmt.Fprintf(out, "[connection: %s]\n", s)
	})

	if err := manager.Connect(ctx); err != nil {
		return err
	}
	defer manager.Disconnect()

	fmt.Fprintf(out, "session %s ready, type /quit to leave\n", controller.Session().ID)

	r := &repl{controller: controller, manager: manager, capture: capture, out: out}
	lines := readLines(cmd.InOrStdin())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.run(gctx, lines)
	})
	g.Go(func() error {
		return printResults(gctx, out, controller, manager)
	})
	if addr := cfg.Log.MetricsAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, m)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type repl struct {
	controller *session.Controller
	manager    *connection.Manager
	capture    *audio.CaptureService
	out        io.Writer
}

func (r *repl) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := r.handle(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	switch line {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/status":
		view := r.controller.View()
		fmt.Fprintf(r.out, "connection=%s session=%s busy=%t\n", r.manager.State(), view.State, r.controller.Busy())
		if view.State == session.Recording && !r.capture.Recording() {
			fmt.Fprintln(r.out, "microphone stopped delivering audio, /rec to send what was captured")
		}
		if view.Partial != "" {
			fmt.Fprintf(r.out, "partial: %s\n", view.Partial)
		}
		return nil
	case "/reconnect":
		return r.manager.Connect(ctx)
	case "/cancel":
		r.controller.Close()
		return nil
	case "/rec":
		if r.controller.State() == session.Recording {
			if !r.capture.Recording() {
				fmt.Fprintln(r.out, "[microphone stopped early]")
			}
			fmt.Fprintln(r.out, "[transcribing...]")
			return r.controller.StopRecording(ctx)
		}
		if err := r.controller.StartRecording(ctx); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "[recording, /rec again to send]")
		return nil
	}
	return r.controller.SendText(ctx, line)
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func printResults(ctx context.Context, out io.Writer, controller *session.Controller, manager *connection.Manager) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-controller.Results():
			if res.Err != nil {
				fmt.Fprintf(out, "error: %v\n", res.Err)
				continue
			}
			fmt.Fprintf(out, "assistant: %s\n", res.Message.Content)
			if council, ok := res.Message.Metadata[dispatch.CouncilMetadataKey].(stream.CouncilUpdate); ok {
				fmt.Fprintln(out, councilSummary(council))
			}
		case err := <-manager.Failures():
			fmt.Fprintf(out, "connection lost: %v (type /reconnect to retry)\n", err)
		}
	}
}

func councilSummary(u stream.CouncilUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  council (%s", u.Stage)
	if u.HasDissent() {
		b.WriteString(", dissent")
	}
	b.WriteString("):")
	for _, m := range u.Members {
		fmt.Fprintf(&b, " %s=%.2f", m.ID, m.Score)
	}
	return b.String()
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

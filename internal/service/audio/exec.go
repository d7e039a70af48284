package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/model/speech"
)

const (
	stopGracePeriod = 2 * time.Second

	// defaultStartupWindow bounds how long Open waits for the recorder to
	// either produce audio or fail.
	defaultStartupWindow = 500 * time.Millisecond
)

// ExecMicrophone records through an external program writing s16le PCM to stdout.
type ExecMicrophone struct {
	Command     string   // ffmpeg or arecord
	Device      string   // empty selects the default input
	InputFormat string   // ffmpeg input driver: pulse, alsa, avfoundation ...
	Args        []string // overrides the generated arguments when set
	Logger      *zap.Logger

	// StartupWindow is how long Open waits for first audio or an early exit.
	// Zero means 500ms. A recorder still silent after the window is assumed live.
	StartupWindow time.Duration
}

// Open implements Microphone. It returns only once the recorder has produced
// audio, has stayed alive for the startup window, or has exited; an early exit
// (permission denied, missing device) is reported as CaptureUnavailableError.
func (m *ExecMicrophone) Open(ctx context.Context, format speech.Format) (io.ReadCloser, error) {
	path, err := exec.LookPath(m.Command)
	if err != nil {
		return nil, &CaptureUnavailableError{Device: m.Device, Err: fmt.Errorf("recorder %q not found: %w", m.Command, err)}
	}

	args := m.Args
	if len(args) == 0 {
		args = captureArgs(m.Command, m.Device, m.InputFormat, format)
	}

	cmd := exec.Command(path, args...)
	pr, pw := io.Pipe()
	stderr := &tailBuffer{limit: 4096}
	stdout := &firstWriteNotifier{w: pw, first: make(chan struct{})}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, &CaptureUnavailableError{Device: m.Device, Err: err}
	}

	s := &execStream{reader: pr, cmd: cmd, exited: make(chan struct{})}
	go func() {
		defer close(s.exited)
		err := cmd.Wait()
		if err != nil {
			s.waitErr = fmt.Errorf("recorder exited: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		if s.stopping.Load() || err == nil {
			pw.Close()
			return
		}
		pw.CloseWithError(s.waitErr)
	}()

	window := m.StartupWindow
	if window <= 0 {
		window = defaultStartupWindow
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-stdout.first:
	case <-timer.C:
	case <-s.exited:
		select {
		case <-stdout.first:
			// Audio was written before the exit; the reader drains it.
		default:
			pr.Close()
			cause := s.waitErr
			if cause == nil {
				cause = errors.New("recorder exited before producing audio")
			}
			return nil, &CaptureUnavailableError{Device: m.Device, Err: cause}
		}
	case <-ctx.Done():
		s.Close()
		pr.Close()
		return nil, &CaptureUnavailableError{Device: m.Device, Err: ctx.Err()}
	}

	if m.Logger != nil {
		m.Logger.Debug("recorder started", zap.String("command", path), zap.Strings("args", args))
	}
	return s, nil
}

// firstWriteNotifier closes first when the recorder writes for the first time.
type firstWriteNotifier struct {
	w     io.Writer
	once  sync.Once
	first chan struct{}
}

func (n *firstWriteNotifier) Write(p []byte) (int, error) {
	if len(p) > 0 {
		n.once.Do(func() { close(n.first) })
	}
	return n.w.Write(p)
}

type execStream struct {
	reader   *io.PipeReader
	cmd      *exec.Cmd
	stopping atomic.Bool
	exited   chan struct{}
	waitErr  error // set before exited is closed
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close asks the recorder to flush and exit, killing it after a grace period.
// The reader sees EOF once the process is gone.
func (s *execStream) Close() error {
	if s.stopping.Swap(true) {
		return nil
	}
	select {
	case <-s.exited:
		return nil
	default:
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		s.cmd.Process.Kill()
		return nil
	}
	go func() {
		timer := time.NewTimer(stopGracePeriod)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.cmd.Process.Kill()
		}
	}()
	return nil
}

func captureArgs(command, device, inputFormat string, format speech.Format) []string {
	rate := strconv.Itoa(format.SampleRate)
	channels := strconv.Itoa(format.Channels)

	switch filepath.Base(command) {
	case "arecord":
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", channels, "-r", rate}
		if device != "" {
			args = append(args, "-D", device)
		}
		return args
	default:
		if inputFormat == "" {
			inputFormat = "pulse"
		}
		if device == "" {
			device = "default"
		}
		return []string{
			"-hide_banner", "-loglevel", "error", "-nostdin",
			"-f", inputFormat, "-i", device,
			"-ac", channels, "-ar", rate,
			"-f", "s16le", "-",
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// ExecPlayer renders clips by piping them into an external player.
type ExecPlayer struct {
	Command string // ffplay or aplay
	Args    []string
	Format  speech.Format // layout of raw pcm clips
}

// Render implements Renderer.
func (p *ExecPlayer) Render(ctx context.Context, clip speech.Clip) error {
	path, err := exec.LookPath(p.Command)
	if err != nil {
		return fmt.Errorf("player %q not found: %w", p.Command, err)
	}
	args := p.Args
	if len(args) == 0 {
		format := p.Format
		if format == (speech.Format{}) {
			format = speech.DefaultFormat()
		}
		args = playbackArgs(p.Command, clip.Format, format)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(clip.Data)
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("player failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func playbackArgs(command, clipFormat string, pcm speech.Format) []string {
	rate := strconv.Itoa(pcm.SampleRate)
	channels := strconv.Itoa(pcm.Channels)

	switch filepath.Base(command) {
	case "aplay":
		if clipFormat == "pcm" {
			return []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", channels, "-r", rate, "-"}
		}
		return []string{"-q", "-"}
	default:
		args := []string{"-nodisp", "-autoexit", "-hide_banner", "-loglevel", "error"}
		if clipFormat == "pcm" {
			args = append(args, "-f", "s16le", "-ar", rate, "-ac", channels)
		}
		return append(args, "-i", "-")
	}
}

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

const captureStartupWindow = 250 * time.Millisecond

// FFmpegMicrophone streams microphone PCM audio using ffmpeg.
type FFmpegMicrophone struct {
	command string
	logger  *zap.Logger
}

func NewFFmpegMicrophone(command string, logger *zap.Logger) *FFmpegMicrophone {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegMicrophone{command: command, logger: logger}
}

// Acquire starts ffmpeg and returns its s16le output once the process has
// survived the startup window. Device failures are reported as *domain.Error
// with a mic_* code.
func (m *FFmpegMicrophone) Acquire(ctx context.Context, cfg ports.AudioConfig) (ports.MicStream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, m.command, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.NewError(domain.ErrorCodeConfiguration, fmt.Errorf("failed to start %s: %w", m.command, err))
	}

	waitErr := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)
		waitErr <- err
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := stringsTrimSpaceSafe(stderr.String())
		if err == nil {
			err = errors.New("ffmpeg exited before capture started")
		} else {
			err = fmt.Errorf("ffmpeg exited before capture started: %w", err)
		}
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return nil, domain.NewError(classifyDeviceError(detail), err)
	case <-time.After(captureStartupWindow):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	}

	m.logger.Debug("microphone acquired",
		zap.String("format", cfg.InputFormat),
		zap.String("device", cfg.InputDevice),
		zap.Int("sample_rate", cfg.SampleRate),
	)

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
		exited:  exited,
	}, nil
}

// classifyDeviceError maps ffmpeg diagnostics to a device error code.
func classifyDeviceError(stderr string) domain.ErrorCode {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not permitted"):
		return domain.ErrorCodeMicPermission
	case strings.Contains(lower, "busy"), strings.Contains(lower, "in use"):
		return domain.ErrorCodeMicBusy
	default:
		return domain.ErrorCodeMicNotFound
	}
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *syncBuffer

	process *os.Process
	waitErr <-chan error
	exited  <-chan struct{}

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// Read returns a device error classified from stderr when ffmpeg dies with
// a non-zero status mid-stream.
func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	// Wait closes the pipe on exit, so a dead process shows up as either.
	ended := errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
	if err != nil && ended && !s.stopping.Load() {
		// stderr is complete only once Wait has returned.
		select {
		case <-s.exited:
		case <-time.After(time.Second):
		}
		if detail := stringsTrimSpaceSafe(s.stderr.String()); detail != "" {
			return n, domain.NewError(classifyDeviceError(detail), errors.New(detail))
		}
	}
	return n, err
}

func (s *ffmpegStream) Close() error {
	return s.Stop()
}

func (s *ffmpegStream) Stop() error {
	s.stopping.Store(true)
	s.stopOnce.Do(func() {
		s.stopErr = stopProcess(s.process, s.waitErr)

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

// stopProcess interrupts the process and kills it if it ignores the signal.
func stopProcess(process *os.Process, waitErr <-chan error) error {
	if process != nil {
		_ = process.Signal(os.Interrupt)
	}

	select {
	case err, ok := <-waitErr:
		if ok {
			return normalizeStopErr(err)
		}
	case <-time.After(1200 * time.Millisecond):
		if process != nil {
			_ = process.Kill()
		}
		if err, ok := <-waitErr; ok {
			return normalizeStopErr(err)
		}
	}
	return nil
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}

// syncBuffer guards stderr, which exec writes from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

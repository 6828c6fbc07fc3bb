package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

const renderPeriod = 20 * time.Millisecond

// FFplaySink plays PCM through an ffplay subprocess.
type FFplaySink struct {
	command string
	logger  *zap.Logger
}

func NewFFplaySink(command string, logger *zap.Logger) *FFplaySink {
	if command == "" {
		command = "ffplay"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFplaySink{command: command, logger: logger}
}

// Open starts ffplay reading raw s16le from stdin and a render loop feeding it
// from a fresh timeline.
func (s *FFplaySink) Open(ctx context.Context, cfg ports.OutputConfig) (ports.AudioOutput, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pcm.PlaybackSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	args := []string{
		"-nodisp",
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Env = playerEnv(os.Environ(), cfg.Device)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffplay stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.NewError(domain.ErrorCodeAudioOutput, fmt.Errorf("failed to start %s: %w", s.command, err))
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	out := newDeviceOutput(stdin, NewTimeline(cfg.SampleRate, cfg.Channels), renderPeriod, s.logger)
	out.stop = func() error {
		err := stopProcess(cmd.Process, waitErr)
		if err != nil && stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, stringsTrimSpaceSafe(stderr.String()))
		}
		return err
	}
	return out, nil
}

// playerEnv points SDL, which ffplay plays through, at device. An empty
// device keeps the system default.
func playerEnv(base []string, device string) []string {
	device = strings.TrimSpace(device)
	if device == "" || device == "default" {
		return base
	}
	return append(base, "SDL_AUDIO_DEVICE_NAME="+device, "AUDIODEV="+device)
}

// deviceOutput renders a timeline into a writer at wall-clock pace.
type deviceOutput struct {
	w        io.WriteCloser
	timeline *Timeline
	frames   int
	logger   *zap.Logger
	stop     func() error

	done      chan struct{}
	loopDone  chan struct{}
	failed    chan error
	closeOnce sync.Once
	closeErr  error

	lostMu sync.Mutex
	lost   error
}

func newDeviceOutput(w io.WriteCloser, timeline *Timeline, period time.Duration, logger *zap.Logger) *deviceOutput {
	out := &deviceOutput{
		w:        w,
		timeline: timeline,
		frames:   int(int64(timeline.rate) * int64(period) / int64(time.Second)),
		logger:   logger,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		failed:   make(chan error, 1),
	}
	go out.renderLoop(period)
	return out
}

func (o *deviceOutput) renderLoop(period time.Duration) {
	defer close(o.loopDone)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
		}

		chunk, ended := o.timeline.Render(o.frames)
		if _, err := o.w.Write(chunk); err != nil {
			select {
			case <-o.done:
				// Close shut the writer under us.
			default:
				o.logger.Warn("playback device write failed", zap.Error(err))
				o.markLost(domain.NewError(domain.ErrorCodeAudioOutput, fmt.Errorf("playback device write failed: %w", err)))
			}
			return
		}
		for _, fn := range ended {
			fn()
		}
	}
}

// markLost records err and reports it once on the failed channel.
func (o *deviceOutput) markLost(err error) {
	o.lostMu.Lock()
	o.lost = err
	o.lostMu.Unlock()
	o.failed <- err
}

func (o *deviceOutput) lostErr() error {
	o.lostMu.Lock()
	defer o.lostMu.Unlock()
	return o.lost
}

func (o *deviceOutput) Failed() <-chan error {
	return o.failed
}

func (o *deviceOutput) CurrentTime() float64 {
	return o.timeline.Now()
}

func (o *deviceOutput) Start(buf *pcm.Buffer, at float64, onEnded func()) (ports.PlaybackHandle, error) {
	if buf == nil {
		return nil, errors.New("nil playback buffer")
	}
	select {
	case <-o.done:
		return nil, errors.New("playback output is closed")
	default:
	}
	if err := o.lostErr(); err != nil {
		return nil, err
	}
	id := o.timeline.Add(buf, at, onEnded)
	return &timelineHandle{timeline: o.timeline, id: id}, nil
}

func (o *deviceOutput) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
		// Closing the writer unblocks a render write stuck on a full pipe.
		if err := o.w.Close(); err != nil {
			o.closeErr = err
		}
		<-o.loopDone
		if o.stop != nil {
			if err := o.stop(); err != nil && o.closeErr == nil {
				o.closeErr = err
			}
		}
	})
	return o.closeErr
}

type timelineHandle struct {
	timeline *Timeline
	id       uint64
}

func (h *timelineHandle) Stop() error {
	h.timeline.Remove(h.id)
	return nil
}

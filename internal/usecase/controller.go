package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

var (
	// ErrSessionStopped is returned to a pending Start when the attempt was
	// stopped or superseded before it connected.
	ErrSessionStopped = errors.New("session stopped before it connected")
	// ErrControllerClosed is returned once Run has exited.
	ErrControllerClosed = errors.New("session controller is not running")
)

const queueSize = 256

// Config controls the voice session pipeline.
type Config struct {
	Audio     ports.AudioConfig
	Output    ports.OutputConfig
	Live      ports.LiveConfig
	BlockSize int
}

// Option customizes a SessionController.
type Option func(*SessionController)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *SessionController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *SessionController) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithExclusiveInput registers a microphone user that must yield while a
// session is alive, such as the wake-word listener.
func WithExclusiveInput(input ports.ExclusiveInput) Option {
	return func(c *SessionController) {
		if input != nil {
			c.exclusive = input
		}
	}
}

// SessionController runs one live voice session at a time. All session state
// is owned by the goroutine running Run; callers and callbacks talk to it
// through an ordered queue.
type SessionController struct {
	mic       ports.Microphone
	sink      ports.AudioSink
	provider  ports.LiveProvider
	events    ports.EventSink
	cfg       Config
	logger    *zap.Logger
	metrics   Metrics
	exclusive ports.ExclusiveInput

	queue    chan event
	running  atomic.Bool
	loopDone chan struct{}

	// Loop-owned state.
	baseCtx    context.Context
	status     domain.SessionStatus
	gen        uint64
	current    *sessionContext
	scheduler  *playbackScheduler
	transcript turnTranscript

	snapMu sync.RWMutex
	snap   domain.Snapshot
}

func NewSessionController(
	mic ports.Microphone,
	sink ports.AudioSink,
	provider ports.LiveProvider,
	events ports.EventSink,
	cfg Config,
	opts ...Option,
) *SessionController {
	if cfg.BlockSize < 256 {
		cfg.BlockSize = pcm.DefaultBlockSize
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = pcm.CaptureSampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Output.SampleRate <= 0 {
		cfg.Output.SampleRate = pcm.PlaybackSampleRate
	}
	if cfg.Output.Channels <= 0 {
		cfg.Output.Channels = 1
	}
	if cfg.Live.InputRate <= 0 {
		cfg.Live.InputRate = pcm.CaptureSampleRate
	}

	c := &SessionController{
		mic:       mic,
		sink:      sink,
		provider:  provider,
		events:    events,
		cfg:       cfg,
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
		exclusive: nopExclusiveInput{},
		queue:     make(chan event, queueSize),
		loopDone:  make(chan struct{}),
		status:    domain.StatusDisconnected,
		snap:      domain.Snapshot{Status: domain.StatusDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.scheduler = newPlaybackScheduler(c.speakingChanged)
	return c
}

// Run processes the controller queue until ctx is done, then tears down any
// live session.
func (c *SessionController) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session controller is already running")
	}
	defer close(c.loopDone)

	c.baseCtx = ctx
	for {
		select {
		case <-ctx.Done():
			if c.current != nil {
				c.finish(c.current, domain.StatusDisconnected, domain.ReasonStopped, ErrSessionStopped)
			}
			return nil
		case ev := <-c.queue:
			c.handle(ev)
		}
	}
}

// Start opens a new session, tearing down any existing one first. It blocks
// until the attempt connects or fails.
func (c *SessionController) Start(ctx context.Context) error {
	return c.request(ctx, startCommand{reply: make(chan error, 1), reason: domain.ReasonConnecting})
}

// Wake starts a session on behalf of the wake-word listener. It does nothing
// while a session is already alive.
func (c *SessionController) Wake(ctx context.Context) error {
	return c.request(ctx, startCommand{reply: make(chan error, 1), reason: domain.ReasonWakeWord, ifIdle: true})
}

// Stop tears down the current session. It is a no-op when disconnected.
func (c *SessionController) Stop(ctx context.Context) error {
	return c.request(ctx, stopCommand{reply: make(chan error, 1)})
}

// Toggle starts when disconnected and stops otherwise.
func (c *SessionController) Toggle(ctx context.Context) error {
	return c.request(ctx, toggleCommand{reply: make(chan error, 1)})
}

// Status returns the latest observable state.
func (c *SessionController) Status() domain.Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

func (c *SessionController) request(ctx context.Context, ev event) error {
	var reply chan error
	switch cmd := ev.(type) {
	case startCommand:
		reply = cmd.reply
	case stopCommand:
		reply = cmd.reply
	case toggleCommand:
		reply = cmd.reply
	}

	select {
	case c.queue <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrControllerClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrControllerClosed
	}
}

func (c *SessionController) handle(ev event) {
	switch ev := ev.(type) {
	case startCommand:
		c.handleStart(ev)
	case stopCommand:
		c.handleStop(ev.reply)
	case toggleCommand:
		if c.current == nil {
			c.handleStart(startCommand{reply: ev.reply, reason: domain.ReasonConnecting})
		} else {
			c.handleStop(ev.reply)
		}
	case connectResult:
		c.handleConnected(ev)
	case captureFrame:
		c.handleFrame(ev)
	case captureFailed:
		if sc := c.live(ev.gen); sc != nil {
			c.fail(sc, domain.AsError(ev.err, domain.ErrorCodeMicNotFound), domain.ReasonSessionFailed)
		}
	case outputFailed:
		if sc := c.live(ev.gen); sc != nil {
			c.fail(sc, domain.AsError(ev.err, domain.ErrorCodeAudioOutput), domain.ReasonSessionFailed)
		}
	case serverMessage:
		c.handleServerMessage(ev)
	case sessionClosed:
		c.handleClosed(ev)
	case playbackEnded:
		if c.live(ev.gen) != nil {
			c.scheduler.Ended(ev.id)
			c.metrics.PlaybackQueued(c.scheduler.Queued())
		}
	default:
		c.logger.Warn("unknown controller event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// live returns the current session if gen still names it.
func (c *SessionController) live(gen uint64) *sessionContext {
	if c.current == nil || c.current.gen != gen {
		return nil
	}
	return c.current
}

func (c *SessionController) handleStart(cmd startCommand) {
	if cmd.ifIdle && c.current != nil {
		cmd.reply <- nil
		return
	}

	reason := cmd.reason
	if c.current != nil {
		// Release every device of the old session before acquiring new ones.
		c.current.teardown()
		c.resetPlayback()
		c.current.resolve(ErrSessionStopped)
		c.current = nil
		c.setListening(false)
		reason = domain.ReasonRestarted
	}

	liveCfg := c.cfg.Live
	if err := c.provider.Validate(liveCfg); err != nil {
		derr := domain.AsError(err, domain.ErrorCodeConfiguration)
		c.reportError(derr)
		c.setStatus(domain.StatusError, domain.ReasonStartFailed)
		c.setStatus(domain.StatusDisconnected, domain.ReasonStartFailed)
		c.exclusive.Resume()
		cmd.reply <- derr
		return
	}

	// The listener gives the microphone back before the session asks for it.
	c.exclusive.Suspend()

	c.gen++
	parent := c.baseCtx
	if parent == nil {
		parent = context.Background()
	}
	sc := newSessionContext(parent, c.gen, uuid.NewString(), c.queue, c.logger)
	sc.addWaiter(cmd.reply)
	c.current = sc

	c.clearError()
	c.transcript.Clear()
	c.updateSnapshot(func(s *domain.Snapshot) {
		s.SessionID = sc.id
		s.Transcript = ""
		s.UserText = ""
	})
	c.setStatus(domain.StatusConnecting, reason)
	sc.logger.Info("session starting", zap.String("reason", string(reason)), zap.String("model", liveCfg.Session.Model))

	go c.connect(sc, liveCfg)
}

// connect acquires every device of sc and opens the transport. It runs off
// the loop and reports through the queue.
func (c *SessionController) connect(sc *sessionContext, liveCfg ports.LiveConfig) {
	mic, err := c.mic.Acquire(sc.ctx, c.cfg.Audio)
	if err != nil {
		sc.post(connectResult{gen: sc.gen, err: domain.AsError(err, domain.ErrorCodeMicNotFound)})
		return
	}
	if !sc.attachMic(mic) {
		return
	}

	capture, err := startCapture(mic, captureConfig{BlockSize: c.cfg.BlockSize, DeviceRate: c.cfg.Audio.SampleRate},
		func(frame pcm.Frame) { sc.post(captureFrame{gen: sc.gen, frame: frame}) },
		func(err error) { sc.post(captureFailed{gen: sc.gen, err: err}) },
	)
	if err != nil {
		sc.post(connectResult{gen: sc.gen, err: domain.AsError(err, domain.ErrorCodeConfiguration)})
		return
	}
	if !sc.attachCapture(capture) {
		return
	}

	out, err := c.sink.Open(sc.ctx, c.cfg.Output)
	if err != nil {
		sc.post(connectResult{gen: sc.gen, err: domain.AsError(err, domain.ErrorCodeAudioOutput)})
		return
	}
	if !sc.attachOutput(out) {
		return
	}

	connectCtx := sc.ctx
	if liveCfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(sc.ctx, liveCfg.ConnectTimeout)
		defer cancel()
	}
	started := time.Now()
	live, err := c.provider.Connect(connectCtx, liveCfg)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) && sc.ctx.Err() == nil {
			err = fmt.Errorf("no answer from the voice service within %s: %w", liveCfg.ConnectTimeout, err)
		}
		sc.post(connectResult{gen: sc.gen, err: domain.AsError(err, domain.ErrorCodeTransport)})
		return
	}
	if !sc.attachLive(live) {
		return
	}

	sc.post(connectResult{gen: sc.gen, latency: time.Since(started)})
}

func (c *SessionController) handleConnected(ev connectResult) {
	sc := c.live(ev.gen)
	if sc == nil {
		return
	}
	if ev.err != nil {
		c.fail(sc, ev.err, domain.ReasonStartFailed)
		return
	}

	gen := sc.gen
	out := sc.audioOutput()
	c.scheduler.Attach(out, func(id uint64) {
		sc.post(playbackEnded{gen: gen, id: id})
	})
	go func() {
		select {
		case err := <-out.Failed():
			sc.post(outputFailed{gen: gen, err: err})
		case <-sc.closed:
		}
	}()

	live := sc.liveSession()
	go func() {
		for msg := range live.Events() {
			if !sc.post(serverMessage{gen: gen, msg: msg}) {
				return
			}
		}
		sc.post(sessionClosed{gen: gen, err: live.Wait()})
	}()

	c.metrics.SessionStarted()
	c.metrics.ConnectLatency(ev.latency)
	c.setStatus(domain.StatusConnected, domain.ReasonListening)
	c.setListening(true)
	sc.logger.Info("session connected", zap.Duration("latency", ev.latency))
	sc.resolve(nil)
}

func (c *SessionController) handleFrame(ev captureFrame) {
	sc := c.live(ev.gen)
	if sc == nil {
		c.metrics.FrameDropped("stale")
		return
	}
	if c.status != domain.StatusConnected {
		c.metrics.FrameDropped("not_ready")
		return
	}

	err := sc.liveSession().SendAudio(ev.frame)
	switch {
	case err == nil:
		c.metrics.FrameSent()
	case errors.Is(err, ports.ErrSendBufferFull):
		c.metrics.FrameDropped("backpressure")
	default:
		c.metrics.FrameDropped("send_failed")
		sc.logger.Debug("audio frame not sent", zap.Error(err))
	}
}

func (c *SessionController) handleServerMessage(ev serverMessage) {
	sc := c.live(ev.gen)
	if sc == nil || c.status != domain.StatusConnected {
		return
	}
	msg := ev.msg

	if msg.Malformed != nil {
		c.metrics.ChunkDropped("decode")
		sc.logger.Warn("dropping malformed audio chunk", zap.Error(msg.Malformed))
	}
	if len(msg.Audio) > 0 {
		c.scheduleChunk(sc, msg.Audio)
	}
	if msg.OutputTranscript != "" {
		c.appendTranscript(domain.RoleModel, msg.OutputTranscript)
	}
	if msg.InputTranscript != "" {
		c.appendTranscript(domain.RoleUser, msg.InputTranscript)
	}
	if msg.TurnComplete && c.transcript.Clear() {
		c.updateSnapshot(func(s *domain.Snapshot) {
			s.Transcript = ""
			s.UserText = ""
		})
		c.events.TranscriptChanged(domain.TranscriptEntry{Role: domain.RoleModel})
		c.events.TranscriptChanged(domain.TranscriptEntry{Role: domain.RoleUser})
	}
	if msg.Interrupted {
		c.scheduler.Interrupt()
		c.metrics.PlaybackQueued(0)
		c.events.SessionStateChanged(domain.StatusConnected, domain.ReasonModelInterrupted)
		sc.logger.Debug("model turn interrupted")
	}
}

func (c *SessionController) scheduleChunk(sc *sessionContext, raw []byte) {
	buf, err := pcm.DecodeAudioData(raw, c.cfg.Output.SampleRate, 1)
	if err != nil {
		c.metrics.ChunkDropped("decode")
		sc.logger.Warn("dropping malformed audio chunk", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}
	if buf.Frames() == 0 {
		return
	}
	if _, err := c.scheduler.Schedule(buf); err != nil {
		c.metrics.ChunkDropped("output")
		sc.logger.Warn("failed to schedule audio chunk", zap.Error(err))
		return
	}
	c.metrics.ChunkScheduled(buf.Length())
	c.metrics.PlaybackQueued(c.scheduler.Queued())
}

func (c *SessionController) appendTranscript(role domain.Role, fragment string) {
	entry := c.transcript.Append(role, fragment)
	c.updateSnapshot(func(s *domain.Snapshot) {
		if role == domain.RoleUser {
			s.UserText = entry.Text
		} else {
			s.Transcript = entry.Text
		}
	})
	c.events.TranscriptChanged(entry)
}

func (c *SessionController) handleClosed(ev sessionClosed) {
	sc := c.live(ev.gen)
	if sc == nil {
		return
	}
	if ev.err != nil {
		c.fail(sc, domain.AsError(ev.err, domain.ErrorCodeTransport), domain.ReasonSessionFailed)
		return
	}
	sc.logger.Info("session closed by remote")
	c.finish(sc, domain.StatusDisconnected, domain.ReasonRemoteClosed, ErrSessionStopped)
}

func (c *SessionController) handleStop(reply chan error) {
	if c.current != nil {
		c.current.logger.Info("session stopping")
		c.finish(c.current, domain.StatusDisconnected, domain.ReasonStopped, ErrSessionStopped)
	}
	reply <- nil
}

// fail reports err, tears sc down and passes through ERROR on the way to
// DISCONNECTED.
func (c *SessionController) fail(sc *sessionContext, err error, reason domain.StatusReason) {
	derr := domain.AsError(err, domain.ErrorCodeTransport)
	sc.logger.Warn("session failed",
		zap.String("code", string(derr.Code)),
		zap.String("detail", derr.Detail),
	)
	c.reportError(derr)
	c.finish(sc, domain.StatusError, reason, derr)
}

// finish tears sc down and lands in DISCONNECTED. An ERROR status is emitted
// first when status is StatusError.
func (c *SessionController) finish(sc *sessionContext, status domain.SessionStatus, reason domain.StatusReason, pendingErr error) {
	sc.teardown()
	c.resetPlayback()
	c.transcript.Clear()
	c.current = nil
	c.setListening(false)
	sc.resolve(pendingErr)

	if status == domain.StatusError {
		c.setStatus(domain.StatusError, reason)
	}
	c.setStatus(domain.StatusDisconnected, reason)
	c.exclusive.Resume()
}

func (c *SessionController) resetPlayback() {
	c.scheduler.Interrupt()
	c.scheduler.Detach()
	c.scheduler.Reset()
	c.metrics.PlaybackQueued(0)
}

func (c *SessionController) speakingChanged(speaking bool) {
	c.updateSnapshot(func(s *domain.Snapshot) { s.Speaking = speaking })
	c.events.SpeakingChanged(speaking)
}

func (c *SessionController) setListening(listening bool) {
	changed := false
	c.updateSnapshot(func(s *domain.Snapshot) {
		changed = s.Listening != listening
		s.Listening = listening
	})
	if changed {
		c.events.ListeningChanged(listening)
	}
}

func (c *SessionController) setStatus(status domain.SessionStatus, reason domain.StatusReason) {
	c.status = status
	c.updateSnapshot(func(s *domain.Snapshot) { s.Status = status })
	c.metrics.StatusChanged(status)
	c.events.SessionStateChanged(status, reason)
}

func (c *SessionController) reportError(err *domain.Error) {
	c.updateSnapshot(func(s *domain.Snapshot) {
		s.LastError = err.Message
		s.ErrorDetail = err.Detail
	})
	c.metrics.SessionFailed(err.Code)
	c.events.SessionError(err.Code, err.Message, err.Detail)
}

func (c *SessionController) clearError() {
	c.updateSnapshot(func(s *domain.Snapshot) {
		s.LastError = ""
		s.ErrorDetail = ""
	})
}

func (c *SessionController) updateSnapshot(fn func(*domain.Snapshot)) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	fn(&c.snap)
}

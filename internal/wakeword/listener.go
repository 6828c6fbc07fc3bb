// Package wakeword keeps a low-cost recognizer listening between sessions
// and starts a voice session when a trigger phrase is heard.
package wakeword

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

const (
	defaultChunkBytes      = 3200
	defaultRestartDelay    = 500 * time.Millisecond
	defaultMaxRestartDelay = 30 * time.Second
)

// Trigger starts a voice session. The listener has already released the
// microphone when it is called.
type Trigger func(ctx context.Context) error

// Metrics observes the listener.
type Metrics interface {
	WakeWordTriggered(phrase string)
	WakeWordRestarted(reason string)
}

type nopMetrics struct{}

func (nopMetrics) WakeWordTriggered(string) {}
func (nopMetrics) WakeWordRestarted(string) {}

// Config controls the listener.
type Config struct {
	Phrases   []string
	Audio     ports.AudioConfig
	Streaming ports.StreamingConfig
	// ChunkBytes is how much microphone audio goes to the recognizer per
	// send.
	ChunkBytes      int
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
}

type Option func(*Listener)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(l *Listener) {
		if m != nil {
			l.metrics = m
		}
	}
}

func WithAliases(a *Aliases) Option {
	return func(l *Listener) { l.aliases = a }
}

// WithEventSink reports listener failures as session errors.
func WithEventSink(events ports.EventSink) Option {
	return func(l *Listener) { l.events = events }
}

// Listener implements ports.ExclusiveInput: it holds the microphone only
// while no voice session does.
type Listener struct {
	mic      ports.Microphone
	provider ports.TranscriptionProvider
	trigger  Trigger
	cfg      Config
	phrases  []string

	aliases *Aliases
	events  ports.EventSink
	logger  *zap.Logger
	metrics Metrics

	mu        sync.Mutex
	suspended bool
	cancel    context.CancelFunc
	listening chan struct{}
	resumed   chan struct{}
}

func NewListener(mic ports.Microphone, provider ports.TranscriptionProvider, trigger Trigger, cfg Config, opts ...Option) (*Listener, error) {
	var phrases []string
	for _, p := range cfg.Phrases {
		if p = normalize(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) == 0 {
		return nil, domain.Errorf(domain.ErrorCodeConfiguration, "no wake phrases are configured")
	}
	if mic == nil || provider == nil || trigger == nil {
		return nil, domain.Errorf(domain.ErrorCodeConfiguration, "wake word listener needs a microphone, a recognizer and a trigger")
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(defaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.Streaming.SampleRate <= 0 {
		cfg.Streaming.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.Streaming.Channels <= 0 {
		cfg.Streaming.Channels = cfg.Audio.Channels
	}
	if len(cfg.Streaming.Phrases) == 0 {
		cfg.Streaming.Phrases = cfg.Phrases
	}

	l := &Listener{
		mic:      mic,
		provider: provider,
		trigger:  trigger,
		cfg:      cfg,
		phrases:  phrases,
		logger:   zap.NewNop(),
		metrics:  nopMetrics{},
		resumed:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Suspend stops listening and returns once the microphone is released.
func (l *Listener) Suspend() {
	l.mu.Lock()
	l.suspended = true
	cancel, listening := l.cancel, l.listening
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-listening
	}
}

// Resume lets the listener take the microphone again.
func (l *Listener) Resume() {
	l.mu.Lock()
	l.suspended = false
	l.mu.Unlock()

	select {
	case l.resumed <- struct{}{}:
	default:
	}
}

func (l *Listener) Suspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspended
}

// Run listens until ctx is done, restarting the recognizer whenever a stream
// ends and backing off while it keeps failing.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.cfg.RestartDelay
	failing := false

	for {
		if err := l.waitResumed(ctx); err != nil {
			return nil
		}

		phrase, err := l.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case phrase != "":
			delay, failing = l.cfg.RestartDelay, false
			l.fire(ctx, phrase)
		case err != nil:
			l.metrics.WakeWordRestarted("error")
			if !failing {
				l.report(err)
			}
			failing = true
			l.logger.Warn("wake word listener failed; retrying", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, l.cfg.MaxRestartDelay)
		default:
			delay, failing = l.cfg.RestartDelay, false
			l.metrics.WakeWordRestarted("stream_ended")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.cfg.RestartDelay):
			}
		}
	}
}

func (l *Listener) waitResumed(ctx context.Context) error {
	for {
		if !l.Suspended() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.resumed:
		}
	}
}

// cycle runs one recognizer stream. On a match the listener is already
// suspended with the microphone released when cycle returns.
func (l *Listener) cycle(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.suspended {
		l.mu.Unlock()
		return "", nil
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	listening := make(chan struct{})
	l.cancel, l.listening = cancel, listening
	l.mu.Unlock()

	phrase, err := l.listen(cycleCtx)
	cancelled := cycleCtx.Err() != nil

	l.mu.Lock()
	l.cancel, l.listening = nil, nil
	if phrase != "" {
		l.suspended = true
	}
	l.mu.Unlock()
	cancel()
	close(listening)

	if cancelled && phrase == "" {
		// Cancelled by Suspend or shutdown.
		return "", nil
	}
	return phrase, err
}

func (l *Listener) listen(ctx context.Context) (string, error) {
	mic, err := l.mic.Acquire(ctx, l.cfg.Audio)
	if err != nil {
		return "", domain.AsError(err, domain.ErrorCodeMicNotFound)
	}
	session, err := l.provider.StartStreaming(ctx, l.cfg.Streaming)
	if err != nil {
		_ = mic.Stop()
		return "", domain.AsError(err, domain.ErrorCodeWakeWord)
	}

	pumped := make(chan error, 1)
	go func() { pumped <- pump(mic, session, l.cfg.ChunkBytes) }()
	var pumpErr error
	pumpDone := false
	defer func() {
		_ = session.Close()
		_ = mic.Stop()
		if !pumpDone {
			<-pumped
		}
	}()

	var heard utterance
	for event := range session.Events() {
		heard.Add(event)
		text := heard.Text()
		if phrase, ok := l.match(text); ok {
			l.logger.Info("wake phrase heard", zap.String("phrase", phrase), zap.String("transcript", text))
			return phrase, nil
		}
		if event.IsSpeechFinal {
			heard.Reset()
		}
	}

	sessionErr := session.Wait()
	select {
	case pumpErr = <-pumped:
		pumpDone = true
	default:
	}
	if pumpErr != nil {
		return "", pumpErr
	}
	if sessionErr != nil {
		return "", domain.AsError(sessionErr, domain.ErrorCodeWakeWord)
	}
	return "", nil
}

func pump(mic ports.MicStream, session ports.StreamingSession, chunkBytes int) error {
	buf := make([]byte, chunkBytes)
	for {
		n, err := mic.Read(buf)
		if n > 0 {
			if sendErr := session.SendAudio(buf[:n]); sendErr != nil {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			_ = session.CloseSend()
			return domain.Errorf(domain.ErrorCodeMicNotFound, "microphone stream ended")
		}
		if err != nil {
			_ = session.CloseSend()
			return domain.AsError(err, domain.ErrorCodeMicNotFound)
		}
	}
}

// match reports the first phrase found in text. Case and punctuation are
// ignored.
func (l *Listener) match(text string) (string, bool) {
	heard := normalize(l.aliases.Rewrite(normalize(text)))
	if heard == "" {
		return "", false
	}
	for _, phrase := range l.phrases {
		if strings.Contains(heard, phrase) {
			return phrase, true
		}
	}
	return "", false
}

func (l *Listener) fire(ctx context.Context, phrase string) {
	l.metrics.WakeWordTriggered(phrase)
	if err := l.trigger(ctx); err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("wake word could not start a session", zap.Error(err))
		}
		l.Resume()
	}
}

func (l *Listener) report(err error) {
	if l.events == nil {
		return
	}
	derr := domain.AsError(err, domain.ErrorCodeWakeWord)
	l.events.SessionError(derr.Code, derr.Message, derr.Detail)
}

// Package genailive implements the voice session transport on top of the
// official Gen AI SDK Live client.
package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

const defaultSendBuffer = 32

// liveConn is the part of *genai.Session the transport drives.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg ports.LiveConfig, connect *genai.LiveConnectConfig) (liveConn, error)

// Config controls the SDK-backed transport.
type Config struct {
	SendBuffer int
	Logger     *zap.Logger
}

// Provider implements ports.LiveProvider with genai.Client.Live.
type Provider struct {
	cfg  Config
	dial dialFunc
}

func NewProvider(cfg Config) *Provider {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, dial: dialGenAI}
}

func dialGenAI(ctx context.Context, cfg ports.LiveConfig, connect *genai.LiveConnectConfig) (liveConn, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	session, err := client.Live.Connect(ctx, strings.TrimSpace(cfg.Session.Model), connect)
	if err != nil {
		return nil, fmt.Errorf("failed to open Live session: %w", err)
	}
	return session, nil
}

func (p *Provider) Validate(cfg ports.LiveConfig) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return domain.Errorf(domain.ErrorCodeConfiguration, "GEMINI_API_KEY is not configured")
	}
	if strings.TrimSpace(cfg.Session.Model) == "" {
		return domain.Errorf(domain.ErrorCodeConfiguration, "no Live model is configured")
	}
	return nil
}

// Connect opens the session and waits for the service to acknowledge setup.
// ctx bounds the handshake only.
func (p *Provider) Connect(ctx context.Context, cfg ports.LiveConfig) (ports.LiveSession, error) {
	if err := p.Validate(cfg); err != nil {
		return nil, err
	}

	conn, err := p.dial(ctx, cfg, connectConfig(cfg.Session))
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeTransport, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = awaitSetup(conn)
	if !stop() {
		_ = conn.Close()
		return nil, domain.NewError(domain.ErrorCodeTransport, fmt.Errorf("live setup: %w", ctx.Err()))
	}
	if err != nil {
		_ = conn.Close()
		return nil, domain.NewError(domain.ErrorCodeTransport, err)
	}

	return newSession(conn, p.cfg.SendBuffer, p.cfg.Logger), nil
}

func connectConfig(settings domain.SessionSettings) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if voice := strings.TrimSpace(settings.Voice); voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if prompt := strings.TrimSpace(settings.SystemPrompt); prompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: prompt}}}
	}
	if settings.Transcription {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cfg
}

func awaitSetup(conn liveConn) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("setup rejected: %w", describeCloseErr(err))
		}
		if msg != nil && msg.SetupComplete != nil {
			return nil
		}
	}
}

type session struct {
	conn   liveConn
	logger *zap.Logger

	events  chan domain.ServerEvent
	audio   chan pcm.Frame
	closing chan struct{}
	done    chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	local        atomic.Bool
	shutdownOnce sync.Once
	closeOnce    sync.Once
}

func newSession(conn liveConn, buffer int, logger *zap.Logger) *session {
	s := &session{
		conn:    conn,
		logger:  logger,
		events:  make(chan domain.ServerEvent, 64),
		audio:   make(chan pcm.Frame, buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		_ = conn.Close()
		close(s.done)
	}()
	return s
}

func (s *session) SendAudio(frame pcm.Frame) error {
	select {
	case <-s.closing:
		return ports.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- frame:
		return nil
	default:
		return ports.ErrSendBufferFull
	}
}

func (s *session) Events() <-chan domain.ServerEvent {
	return s.events
}

func (s *session) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.local.Store(true)
		s.shutdown()
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *session) shutdown() {
	s.shutdownOnce.Do(func() { close(s.closing) })
}

func (s *session) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) fail(err error) {
	defer s.shutdown()
	if err == nil || s.local.Load() {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = domain.NewError(domain.ErrorCodeTransport, err)
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closing:
			return
		case frame := <-s.audio:
			raw, err := frame.Bytes()
			if err != nil {
				s.logger.Warn("skipping unencodable capture frame", zap.Error(err))
				continue
			}
			input := genai.LiveRealtimeInput{Audio: &genai.Blob{MIMEType: frame.MIMEType, Data: raw}}
			if err := s.conn.SendRealtimeInput(input); err != nil {
				s.fail(fmt.Errorf("failed to send audio: %w", err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			var corrupt base64.CorruptInputError
			if errors.As(err, &corrupt) {
				if !s.emit(domain.ServerEvent{Malformed: fmt.Errorf("%w: %v", pcm.ErrMalformedAudio, err)}) {
					return
				}
				continue
			}
			if isCleanClose(err) {
				s.shutdown()
				return
			}
			s.fail(describeCloseErr(err))
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			s.logger.Info("voice service is going away", zap.Any("time_left", msg.GoAway.TimeLeft))
		}
		event, ok := toServerEvent(msg)
		if !ok {
			continue
		}
		if !s.emit(event) {
			return
		}
	}
}

func (s *session) emit(event domain.ServerEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-s.closing:
		return false
	}
}

// toServerEvent flattens one SDK message. ok is false when nothing in it
// concerns the pipeline.
func toServerEvent(msg *genai.LiveServerMessage) (domain.ServerEvent, bool) {
	sc := msg.ServerContent
	if sc == nil {
		return domain.ServerEvent{}, false
	}

	var event domain.ServerEvent
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			event.Audio = append(event.Audio, part.InlineData.Data...)
		}
	}
	if sc.OutputTranscription != nil {
		event.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		event.InputTranscript = sc.InputTranscription.Text
	}
	event.TurnComplete = sc.TurnComplete
	event.Interrupted = sc.Interrupted

	empty := len(event.Audio) == 0 && event.OutputTranscript == "" && event.InputTranscript == "" &&
		!event.TurnComplete && !event.Interrupted
	return event, !empty
}

func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

func describeCloseErr(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	reason := strings.TrimSpace(ce.Text)
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Errorf("voice service closed the connection (%d): %s: %w", ce.Code, reason, err)
}

package geminiws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

const (
	defaultSendBuffer = 32
	closeGrace        = time.Second
)

// Config controls the Gemini Live websocket transport.
type Config struct {
	// Endpoint overrides the BidiGenerateContent websocket URL.
	Endpoint   string
	SendBuffer int
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Provider implements ports.LiveProvider over the raw Live API websocket.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Validate(cfg ports.LiveConfig) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return domain.Errorf(domain.ErrorCodeConfiguration, "GEMINI_API_KEY is not configured")
	}
	if strings.TrimSpace(cfg.Session.Model) == "" {
		return domain.Errorf(domain.ErrorCodeConfiguration, "no Live model is configured")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = p.cfg.Endpoint
	}
	if _, err := buildURL(endpoint, cfg.APIKey); err != nil {
		return domain.NewError(domain.ErrorCodeConfiguration, err)
	}
	return nil
}

// Connect dials, sends the setup message and waits for setupComplete. ctx
// bounds the handshake only; the session outlives it.
func (p *Provider) Connect(ctx context.Context, cfg ports.LiveConfig) (ports.LiveSession, error) {
	if err := p.Validate(cfg); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = p.cfg.Endpoint
	}
	wsURL, err := buildURL(endpoint, cfg.APIKey)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeConfiguration, err)
	}

	conn, _, err := p.cfg.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeTransport, fmt.Errorf("failed to connect to Gemini Live websocket: %w", err))
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = handshake(conn, buildSetup(cfg.Session))
	if !stop() {
		_ = conn.Close()
		return nil, domain.NewError(domain.ErrorCodeTransport, fmt.Errorf("gemini live setup: %w", ctx.Err()))
	}
	if err != nil {
		_ = conn.Close()
		return nil, domain.NewError(domain.ErrorCodeTransport, err)
	}

	s := &liveSession{
		conn:    conn,
		logger:  p.cfg.Logger,
		events:  make(chan domain.ServerEvent, 64),
		audio:   make(chan pcm.Frame, p.cfg.SendBuffer),
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
	return s, nil
}

func handshake(conn *websocket.Conn, setup setupMessage) error {
	if err := conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("failed to send setup: %w", err)
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("setup rejected: %w", describeCloseErr(err))
		}
		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

type liveSession struct {
	conn   *websocket.Conn
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

func (s *liveSession) SendAudio(frame pcm.Frame) error {
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

func (s *liveSession) Events() <-chan domain.ServerEvent {
	return s.events
}

func (s *liveSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *liveSession) Close() error {
	s.closeOnce.Do(func() {
		s.local.Store(true)
		s.shutdown()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *liveSession) shutdown() {
	s.shutdownOnce.Do(func() { close(s.closing) })
}

func (s *liveSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail records the first remote failure and shuts the session down. Errors
// that follow a local Close are not failures.
func (s *liveSession) fail(err error) {
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

func (s *liveSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closing:
			return
		case frame := <-s.audio:
			if err := s.conn.WriteJSON(audioMessage(frame)); err != nil {
				s.fail(fmt.Errorf("failed to send audio: %w", err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *liveSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.shutdown()
				return
			}
			s.fail(describeCloseErr(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("ignoring undecodable server message", zap.Error(err), zap.Int("bytes", len(payload)))
			continue
		}
		if msg.GoAway != nil {
			s.logger.Info("voice service is going away", zap.String("time_left", msg.GoAway.TimeLeft))
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

func (s *liveSession) emit(event domain.ServerEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-s.closing:
		return false
	}
}

// describeCloseErr keeps the close code and reason the service sent, which
// is where quota and authentication failures are reported.
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

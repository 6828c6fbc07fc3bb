// Package deepgram spots wake phrases with Deepgram's live listen websocket.
package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

const (
	defaultBaseURL   = "https://api.deepgram.com/v1"
	defaultKeepAlive = 8 * time.Second
	eventBuffer      = 64
	audioBuffer      = 32
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	// EndpointingMS is the silence, in milliseconds, after which Deepgram
	// marks speech final. Zero keeps the service default.
	EndpointingMS int
	// KeepAlive is how often an idle stream is kept open. Deepgram closes
	// streams that see no data for about ten seconds.
	KeepAlive time.Duration
	Dialer    *websocket.Dialer
}

// Provider implements ports.TranscriptionProvider for Deepgram.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "id"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Provider{cfg: cfg}
}

// StartStreaming opens a listen stream. The stream ends when ctx is done.
func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, domain.Errorf(domain.ErrorCodeConfiguration, "DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeConfiguration, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.cfg.Dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, domain.Errorf(domain.ErrorCodeConfiguration, "Deepgram rejected the API key (%s)", resp.Status)
		}
		return nil, domain.NewError(domain.ErrorCodeWakeWord, fmt.Errorf("failed to connect to Deepgram websocket: %w", err))
	}

	s := &listenSession{
		conn:    conn,
		events:  make(chan domain.TranscriptEvent, eventBuffer),
		audio:   make(chan []byte, audioBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop(p.cfg.KeepAlive)
	go func() {
		s.wg.Wait()
		stop()
		close(s.events)
		_ = conn.Close()
		close(s.done)
	}()
	return s, nil
}

// listenSession is one recognition stream. The writer owns outbound frames
// and keep-alives; the reader owns events.
type listenSession struct {
	conn *websocket.Conn

	events  chan domain.TranscriptEvent
	audio   chan []byte
	closing chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	sendMu     sync.RWMutex
	sendClosed bool

	local        atomic.Bool
	shutdownOnce sync.Once

	errMu sync.Mutex
	err   error
}

// SendAudio queues a chunk, waiting while the writer catches up.
func (s *listenSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return ports.ErrSessionClosed
	}

	select {
	case s.audio <- append([]byte(nil), chunk...):
		return nil
	case <-s.closing:
		if err := s.waitErr(); err != nil {
			return err
		}
		return ports.ErrSessionClosed
	}
}

// CloseSend asks Deepgram to flush and finish the stream.
func (s *listenSession) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.audio)
	}
	return nil
}

func (s *listenSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *listenSession) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close ends the stream without waiting for pending results.
func (s *listenSession) Close() error {
	s.local.Store(true)
	s.shutdown()
	_ = s.conn.Close()
	_ = s.CloseSend()
	<-s.done
	return s.waitErr()
}

func (s *listenSession) shutdown() {
	s.shutdownOnce.Do(func() { close(s.closing) })
}

func (s *listenSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail records the first error and stops both loops. Errors caused by a
// local Close are dropped.
func (s *listenSession) fail(err error) {
	if err != nil && !s.local.Load() {
		s.errMu.Lock()
		if s.err == nil {
			s.err = domain.AsError(err, domain.ErrorCodeWakeWord)
		}
		s.errMu.Unlock()
	}
	s.shutdown()
}

func (s *listenSession) writeLoop(keepAlive time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, closeStreamMessage); err != nil {
					s.fail(fmt.Errorf("failed to close stream: %w", err))
					_ = s.conn.Close()
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.fail(fmt.Errorf("failed to send audio: %w", err))
				_ = s.conn.Close()
				return
			}
			ticker.Reset(keepAlive)
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, keepAliveMessage); err != nil {
				s.fail(fmt.Errorf("failed to send keep-alive: %w", err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *listenSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.fail(nil)
				return
			}
			s.fail(fmt.Errorf("failed to read Deepgram event: %w", err))
			return
		}

		event, ok, err := decodeMessage(payload)
		if err != nil {
			s.fail(err)
			return
		}
		if ok && !s.emit(event) {
			return
		}
	}
}

// emit drops events the listener is too slow for; only the latest text
// matters for phrase spotting.
func (s *listenSession) emit(event domain.TranscriptEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-s.closing:
		return false
	default:
		return true
	}
}

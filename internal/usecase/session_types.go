package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"livevoice/internal/ports"
)

// sessionContext owns every resource of one session attempt. Resources are
// attached by the connect goroutine and released exactly once by teardown;
// anything attached after teardown is released on the spot.
type sessionContext struct {
	gen uint64
	id  string

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan<- event
	logger *zap.Logger

	// closed is closed by teardown so that producers stop blocking on queue.
	closed chan struct{}

	mu        sync.Mutex
	torn      bool
	mic       ports.MicStream
	capture   *capturePipeline
	output    ports.AudioOutput
	live      ports.LiveSession
	waiters   []chan error
	startedAt time.Time
}

func newSessionContext(parent context.Context, gen uint64, id string, queue chan<- event, logger *zap.Logger) *sessionContext {
	ctx, cancel := context.WithCancel(parent)
	return &sessionContext{
		gen:       gen,
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		queue:     queue,
		logger:    logger.With(zap.String("session_id", id)),
		closed:    make(chan struct{}),
		startedAt: time.Now(),
	}
}

// post delivers ev to the controller loop unless the session is gone.
func (s *sessionContext) post(ev event) bool {
	select {
	case s.queue <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *sessionContext) attachMic(mic ports.MicStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		_ = mic.Stop()
		return false
	}
	s.mic = mic
	return true
}

func (s *sessionContext) attachCapture(p *capturePipeline) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		_ = p.Stop()
		return false
	}
	s.capture = p
	return true
}

func (s *sessionContext) attachOutput(out ports.AudioOutput) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		_ = out.Close()
		return false
	}
	s.output = out
	return true
}

func (s *sessionContext) attachLive(live ports.LiveSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		_ = live.Close()
		return false
	}
	s.live = live
	return true
}

func (s *sessionContext) liveSession() ports.LiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *sessionContext) audioOutput() ports.AudioOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *sessionContext) addWaiter(reply chan error) {
	if reply == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters = append(s.waiters, reply)
}

// resolve answers every pending Start caller.
func (s *sessionContext) resolve(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, reply := range waiters {
		reply <- err
	}
}

// teardown releases all resources in capture, transport, output order. It
// reports false when the session was already torn down.
func (s *sessionContext) teardown() bool {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return false
	}
	s.torn = true
	close(s.closed)
	capture, mic, live, output := s.capture, s.mic, s.live, s.output
	s.capture, s.mic, s.live, s.output = nil, nil, nil, nil
	s.mu.Unlock()

	s.cancel()
	if capture != nil {
		if err := capture.Stop(); err != nil {
			s.logger.Debug("capture stop", zap.Error(err))
		}
	} else if mic != nil {
		_ = mic.Stop()
	}
	if live != nil {
		if err := closeWithin(live.Close, closeTimeout); err != nil {
			s.logger.Debug("live session close", zap.Error(err))
		}
	}
	if output != nil {
		if err := closeWithin(output.Close, closeTimeout); err != nil {
			s.logger.Debug("playback output close", zap.Error(err))
		}
	}
	return true
}

const closeTimeout = 4 * time.Second

// closeWithin runs closeFn but gives up waiting after timeout.
func closeWithin(closeFn func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- closeFn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

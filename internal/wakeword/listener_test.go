package wakeword

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeStream struct {
	stopOnce sync.Once
	stopped  chan struct{}
	onStop   func()
}

func (f *fakeStream) Read(p []byte) (int, error) {
	select {
	case <-f.stopped:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
		return copy(p, make([]byte, 320)), nil
	}
}

func (f *fakeStream) Close() error { return f.Stop() }

func (f *fakeStream) Stop() error {
	f.stopOnce.Do(func() {
		close(f.stopped)
		f.onStop()
	})
	return nil
}

type fakeMic struct {
	mu       sync.Mutex
	acquired int
	active   int
	err      error
}

func (m *fakeMic) Acquire(ctx context.Context, cfg ports.AudioConfig) (ports.MicStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	m.active++
	return &fakeStream{stopped: make(chan struct{}), onStop: func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}}, nil
}

func (m *fakeMic) counts() (acquired, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.active
}

type fakeSession struct {
	events chan domain.TranscriptEvent
	done   chan struct{}
	once   sync.Once
}

func (s *fakeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ports.ErrSessionClosed
	default:
		return nil
	}
}

func (s *fakeSession) CloseSend() error                      { return nil }
func (s *fakeSession) Events() <-chan domain.TranscriptEvent { return s.events }

func (s *fakeSession) Wait() error {
	<-s.done
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
	return nil
}

type fakeRecognizer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	cfgs     []ports.StreamingConfig
	err      error
}

func (r *fakeRecognizer) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	s := &fakeSession{events: make(chan domain.TranscriptEvent, 8), done: make(chan struct{})}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	r.sessions = append(r.sessions, s)
	r.cfgs = append(r.cfgs, cfg)
	return s, nil
}

func (r *fakeRecognizer) session(i int) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.sessions) {
		return nil
	}
	return r.sessions[i]
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type fakeTrigger struct {
	mu        sync.Mutex
	calls     int
	micActive []int
	err       error
	mic       *fakeMic
}

func (f *fakeTrigger) fire(ctx context.Context) error {
	_, active := f.mic.counts()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.micActive = append(f.micActive, active)
	return f.err
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu    sync.Mutex
	codes []domain.ErrorCode
}

func (s *recordingSink) SessionStateChanged(domain.SessionStatus, domain.StatusReason) {}
func (s *recordingSink) ListeningChanged(bool)                                         {}
func (s *recordingSink) SpeakingChanged(bool)                                          {}
func (s *recordingSink) TranscriptChanged(domain.TranscriptEntry)                      {}

func (s *recordingSink) SessionError(code domain.ErrorCode, message string, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
}

type countingMetrics struct {
	mu        sync.Mutex
	triggered []string
	restarts  map[string]int
}

func (m *countingMetrics) WakeWordTriggered(phrase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, phrase)
}

func (m *countingMetrics) WakeWordRestarted(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restarts == nil {
		m.restarts = map[string]int{}
	}
	m.restarts[reason]++
}

func (m *countingMetrics) restartCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[reason]
}

type listenerHarness struct {
	listener   *Listener
	mic        *fakeMic
	recognizer *fakeRecognizer
	trigger    *fakeTrigger
	sink       *recordingSink
	metrics    *countingMetrics
}

func newListenerHarness(t *testing.T, opts ...Option) *listenerHarness {
	t.Helper()

	h := &listenerHarness{
		mic:        &fakeMic{},
		recognizer: &fakeRecognizer{},
		sink:       &recordingSink{},
		metrics:    &countingMetrics{},
	}
	h.trigger = &fakeTrigger{mic: h.mic}
	cfg := Config{
		Phrases:      []string{"Halo Guru", "ibu guru"},
		Audio:        ports.AudioConfig{SampleRate: 16000, Channels: 1},
		RestartDelay: 5 * time.Millisecond,
	}
	opts = append([]Option{WithEventSink(h.sink), WithMetrics(h.metrics)}, opts...)
	l, err := NewListener(h.mic, h.recognizer, h.trigger.fire, cfg, opts...)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	h.listener = l
	return h
}

func (h *listenerHarness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.listener.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestListenerTriggersAfterReleasingMic(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	h.run(t)

	waitFor(t, "first recognizer stream", func() bool { return h.recognizer.count() == 1 })
	s := h.recognizer.session(0)
	s.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "halo"}
	s.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "halo, Guru!"}

	waitFor(t, "trigger", func() bool { return h.trigger.count() == 1 })
	h.trigger.mu.Lock()
	active := h.trigger.micActive[0]
	h.trigger.mu.Unlock()
	if active != 0 {
		t.Fatalf("microphone must be released before the session starts, %d still open", active)
	}
	if !h.listener.Suspended() {
		t.Fatalf("listener should stay suspended after triggering")
	}

	h.recognizer.mu.Lock()
	cfg := h.recognizer.cfgs[0]
	h.recognizer.mu.Unlock()
	if cfg.SampleRate != 16000 || len(cfg.Phrases) != 2 {
		t.Fatalf("recognizer should inherit capture rate and phrases: %+v", cfg)
	}

	// The controller suspends synchronously before connecting; a suspended
	// listener returns at once.
	h.listener.Suspend()
	h.listener.Resume()
	waitFor(t, "second stream after resume", func() bool { return h.recognizer.count() == 2 })

	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	if len(h.metrics.triggered) != 1 || h.metrics.triggered[0] != "halo guru" {
		t.Fatalf("unexpected trigger metrics: %v", h.metrics.triggered)
	}
}

func TestListenerSuspendReleasesMicrophone(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	h.run(t)

	waitFor(t, "listening", func() bool {
		_, active := h.mic.counts()
		return active == 1 && h.recognizer.count() == 1
	})
	h.listener.Suspend()
	waitFor(t, "mic release", func() bool {
		_, active := h.mic.counts()
		return active == 0
	})

	time.Sleep(20 * time.Millisecond)
	if acquired, _ := h.mic.counts(); acquired != 1 {
		t.Fatalf("suspended listener must not reacquire the mic, acquired %d times", acquired)
	}
	if h.trigger.count() != 0 {
		t.Fatalf("suspend must not trigger a session")
	}

	h.listener.Resume()
	waitFor(t, "reacquire", func() bool {
		acquired, _ := h.mic.counts()
		return acquired == 2
	})
}

func TestListenerRestartsWhenStreamEnds(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	h.run(t)

	waitFor(t, "first stream", func() bool { return h.recognizer.count() == 1 })
	s := h.recognizer.session(0)
	s.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "selamat pagi", IsSpeechFinal: true}
	_ = s.Close()

	waitFor(t, "restart", func() bool { return h.recognizer.count() == 2 })
	if h.trigger.count() != 0 {
		t.Fatalf("unrelated speech must not trigger")
	}
	if h.metrics.restartCount("stream_ended") < 1 {
		t.Fatalf("expected a stream_ended restart")
	}
}

func TestListenerReportsFailuresOnceWhileBackingOff(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	h.recognizer.err = domain.Errorf(domain.ErrorCodeConfiguration, "DEEPGRAM_API_KEY is not configured")
	h.run(t)

	waitFor(t, "retries", func() bool { return h.metrics.restartCount("error") >= 3 })
	if _, active := h.mic.counts(); active != 0 {
		t.Fatalf("failed stream must release the mic")
	}
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.codes) != 1 || h.sink.codes[0] != domain.ErrorCodeConfiguration {
		t.Fatalf("expected a single configuration error report, got %v", h.sink.codes)
	}
}

func TestListenerCycleReturnsStreamErrors(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	h.recognizer.err = domain.Errorf(domain.ErrorCodeConfiguration, "bad key")
	phrase, err := h.listener.cycle(context.Background())
	if phrase != "" || domain.CodeOf(err) != domain.ErrorCodeConfiguration {
		t.Fatalf("expected recognizer error, got phrase=%q err=%v", phrase, err)
	}

	h = newListenerHarness(t)
	h.mic.err = domain.Errorf(domain.ErrorCodeMicBusy, "Device or resource busy")
	if _, err := h.listener.cycle(context.Background()); domain.CodeOf(err) != domain.ErrorCodeMicBusy {
		t.Fatalf("expected microphone error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if phrase, err := h.listener.cycle(ctx); phrase != "" || err != nil {
		t.Fatalf("cancelled cycle should end quietly, got phrase=%q err=%v", phrase, err)
	}
}

func TestListenerResumesWhenTriggerFails(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	h.trigger.err = errors.New("session already running")
	h.run(t)

	waitFor(t, "first stream", func() bool { return h.recognizer.count() == 1 })
	h.recognizer.session(0).events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "ibu guru"}

	waitFor(t, "listening again", func() bool { return h.recognizer.count() == 2 })
	if h.listener.Suspended() {
		t.Fatalf("listener should resume after a failed trigger")
	}
}

func TestListenerAppliesAliases(t *testing.T) {
	t.Parallel()

	aliases, err := ParseAliases("hello guru => halo guru")
	if err != nil {
		t.Fatalf("parse aliases: %v", err)
	}
	h := newListenerHarness(t, WithAliases(aliases))
	h.run(t)

	waitFor(t, "first stream", func() bool { return h.recognizer.count() == 1 })
	h.recognizer.session(0).events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "Hello guru"}
	waitFor(t, "trigger", func() bool { return h.trigger.count() == 1 })
}

func TestListenerMatchesSubstringIgnoringCase(t *testing.T) {
	t.Parallel()

	h := newListenerHarness(t)
	cases := map[string]bool{
		"bilang halo guru dong": true,
		"HALO, GURU!":           true,
		"halo gurunya":          true,
		"halo":                  false,
		"ibu":                   false,
		"":                      false,
	}
	for text, want := range cases {
		if _, got := h.listener.match(text); got != want {
			t.Fatalf("match(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestNewListenerRequiresPhrases(t *testing.T) {
	t.Parallel()

	_, err := NewListener(&fakeMic{}, &fakeRecognizer{}, func(context.Context) error { return nil }, Config{Phrases: []string{" ", "!!"}})
	if domain.CodeOf(err) != domain.ErrorCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

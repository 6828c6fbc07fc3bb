package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	controller *SessionController
	mic        *fakeMicrophone
	sink       *fakeSink
	provider   *fakeProvider
	events     *fakeEventSink
	metrics    *fakeMetrics
	exclusive  *fakeExclusive
}

func newHarness(t *testing.T, cfg Config, sessions ...*fakeLiveSession) *harness {
	t.Helper()

	h := &harness{
		mic:       &fakeMicrophone{},
		sink:      &fakeSink{now: 10},
		provider:  &fakeProvider{sessions: sessions},
		events:    &fakeEventSink{},
		metrics:   &fakeMetrics{},
		exclusive: &fakeExclusive{},
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 256
	}
	h.controller = NewSessionController(h.mic, h.sink, h.provider, h.events, cfg,
		WithMetrics(h.metrics),
		WithExclusiveInput(h.exclusive),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.controller.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// deliver queues ev behind any pending events and returns once the loop has
// handled it. Wake is a no-op while a session is live, so it serves as the
// barrier; callers must have a session running.
func (h *harness) deliver(t *testing.T, ev event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case h.controller.queue <- ev:
	case <-ctx.Done():
		t.Fatalf("controller queue is stuck")
	}
	if err := h.controller.Wake(ctx); err != nil {
		t.Fatalf("wake barrier failed: %v", err)
	}
}

func chunkOfSeconds(seconds float64) []byte {
	return make([]byte, int(seconds*pcm.PlaybackSampleRate)*pcm.BytesPerSample)
}

type fakeMicrophone struct {
	mu      sync.Mutex
	streams []*fakeMicStream
	err     error
	calls   int
	overlap bool
}

func (f *fakeMicrophone) Acquire(_ context.Context, _ ports.AudioConfig) (ports.MicStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, s := range f.streams {
		if s.stopCount() == 0 {
			f.overlap = true
		}
	}
	stream := newFakeMicStream()
	f.streams = append(f.streams, stream)
	f.calls++
	return stream, nil
}

func (f *fakeMicrophone) stream(i int) *fakeMicStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeMicrophone) acquired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeMicrophone) overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

type fakeMicStream struct {
	data    chan []byte
	errs    chan error
	stopped chan struct{}

	mu        sync.Mutex
	pending   []byte
	stopCalls int
	stopOnce  sync.Once
}

func newFakeMicStream() *fakeMicStream {
	return &fakeMicStream{
		data:    make(chan []byte, 64),
		errs:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (f *fakeMicStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	select {
	case chunk := <-f.data:
		n := copy(p, chunk)
		f.mu.Lock()
		f.pending = chunk[n:]
		f.mu.Unlock()
		return n, nil
	case err := <-f.errs:
		return 0, err
	case <-f.stopped:
		return 0, io.EOF
	}
}

func (f *fakeMicStream) Close() error { return f.Stop() }

func (f *fakeMicStream) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeMicStream) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeSink struct {
	mu      sync.Mutex
	now     float64
	outputs []*fakeOutput
	err     error
}

func (f *fakeSink) Open(_ context.Context, _ ports.OutputConfig) (ports.AudioOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := &fakeOutput{now: f.now, failed: make(chan error, 1)}
	f.outputs = append(f.outputs, out)
	return out, nil
}

func (f *fakeSink) output(i int) *fakeOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.outputs) {
		return nil
	}
	return f.outputs[i]
}

type fakeStart struct {
	at       float64
	duration float64
	onEnded  func()
	stopped  bool
	ended    bool
}

type fakeOutput struct {
	mu     sync.Mutex
	now    float64
	starts []*fakeStart
	closed int
	err    error
	failed chan error
}

func (f *fakeOutput) Failed() <-chan error {
	return f.failed
}

// lose simulates the playback device going away.
func (f *fakeOutput) lose(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.failed <- err
}

func (f *fakeOutput) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeOutput) setNow(now float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *fakeOutput) Start(buf *pcm.Buffer, at float64, onEnded func()) (ports.PlaybackHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStart{at: at, duration: buf.Duration(), onEnded: onEnded}
	f.starts = append(f.starts, s)
	return &fakeHandle{out: f, start: s}, nil
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeOutput) startTimes() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	times := make([]float64, len(f.starts))
	for i, s := range f.starts {
		times[i] = s.at
	}
	return times
}

func (f *fakeOutput) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.starts {
		if s.stopped {
			n++
		}
	}
	return n
}

func (f *fakeOutput) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// endAll finishes every playing buffer the way a device would.
func (f *fakeOutput) endAll() {
	f.mu.Lock()
	var callbacks []func()
	for _, s := range f.starts {
		if !s.stopped && !s.ended {
			s.ended = true
			callbacks = append(callbacks, s.onEnded)
		}
	}
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type fakeHandle struct {
	out   *fakeOutput
	start *fakeStart
}

func (h *fakeHandle) Stop() error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	if !h.start.ended {
		h.start.stopped = true
	}
	return nil
}

type fakeProvider struct {
	mu          sync.Mutex
	sessions    []*fakeLiveSession
	validateErr error
	connectErr  error
	gate        chan struct{}
	waitCtx     bool
	calls       int
}

func (f *fakeProvider) Validate(_ ports.LiveConfig) error {
	return f.validateErr
}

func (f *fakeProvider) Connect(ctx context.Context, _ ports.LiveConfig) (ports.LiveSession, error) {
	if f.waitCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.calls >= len(f.sessions) {
		return nil, errors.New("no live session configured")
	}
	session := f.sessions[f.calls]
	f.calls++
	return session, nil
}

type fakeLiveSession struct {
	events chan domain.ServerEvent

	mu         sync.Mutex
	sent       []pcm.Frame
	sendErr    error
	waitErr    error
	closeCalls int
	closed     bool
}

func newFakeLiveSession() *fakeLiveSession {
	return &fakeLiveSession{events: make(chan domain.ServerEvent, 16)}
}

func (f *fakeLiveSession) SendAudio(frame pcm.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeLiveSession) Events() <-chan domain.ServerEvent { return f.events }

func (f *fakeLiveSession) Wait() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeLiveSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if !f.closed {
		close(f.events)
		f.closed = true
	}
	return nil
}

// remoteClose ends the session from the server side.
func (f *fakeLiveSession) remoteClose(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitErr = err
	if !f.closed {
		close(f.events)
		f.closed = true
	}
}

func (f *fakeLiveSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeLiveSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type stateEvent struct {
	status domain.SessionStatus
	reason domain.StatusReason
}

type errorEvent struct {
	code    domain.ErrorCode
	message string
	detail  string
}

type fakeEventSink struct {
	mu          sync.Mutex
	states      []stateEvent
	errors      []errorEvent
	speaking    []bool
	listening   []bool
	transcripts []domain.TranscriptEntry
}

func (f *fakeEventSink) SessionStateChanged(status domain.SessionStatus, reason domain.StatusReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{status: status, reason: reason})
}

func (f *fakeEventSink) ListeningChanged(listening bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = append(f.listening, listening)
}

func (f *fakeEventSink) SpeakingChanged(speaking bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = append(f.speaking, speaking)
}

func (f *fakeEventSink) TranscriptChanged(entry domain.TranscriptEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, entry)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, message string, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errorEvent{code: code, message: message, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateEvent(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []errorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errorEvent(nil), f.errors...)
}

func (f *fakeEventSink) snapshotSpeaking() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.speaking...)
}

func (f *fakeEventSink) snapshotTranscripts() []domain.TranscriptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TranscriptEntry(nil), f.transcripts...)
}

func (f *fakeEventSink) lastState() stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return stateEvent{}
	}
	return f.states[len(f.states)-1]
}

type fakeMetrics struct {
	nopMetrics

	mu      sync.Mutex
	sent    int
	dropped map[string]int
	chunks  int
	failed  []domain.ErrorCode
}

func (f *fakeMetrics) FrameSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
}

func (f *fakeMetrics) FrameDropped(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped == nil {
		f.dropped = map[string]int{}
	}
	f.dropped[reason]++
}

func (f *fakeMetrics) ChunkDropped(reason string) {
	f.FrameDropped("chunk_" + reason)
}

func (f *fakeMetrics) ChunkScheduled(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks++
}

func (f *fakeMetrics) SessionFailed(code domain.ErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, code)
}

func (f *fakeMetrics) droppedFor(reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped[reason]
}

func (f *fakeMetrics) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type fakeExclusive struct {
	mu       sync.Mutex
	suspends int
	resumes  int
}

func (f *fakeExclusive) Suspend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends++
}

func (f *fakeExclusive) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeExclusive) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspends, f.resumes
}

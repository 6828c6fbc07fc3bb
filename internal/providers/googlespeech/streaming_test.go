package googlespeech

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

type fakeStream struct {
	ctx  context.Context
	recv chan *speechpb.StreamingRecognizeResponse

	mu         sync.Mutex
	requests   []*speechpb.StreamingRecognizeRequest
	sendClosed bool
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendClosed {
		return io.EOF
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	select {
	case resp, ok := <-f.recv:
		if !ok {
			return nil, io.EOF
		}
		return resp, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendClosed = true
	return nil
}

func (f *fakeStream) snapshot() ([]*speechpb.StreamingRecognizeRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.requests...), f.sendClosed
}

type fakeClient struct {
	mu     sync.Mutex
	closed int
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func newTestProvider(t *testing.T) (*Provider, chan *fakeStream, *fakeClient) {
	t.Helper()

	streams := make(chan *fakeStream, 1)
	client := &fakeClient{}
	p := NewProvider(Config{})
	p.open = func(ctx context.Context) (recognizeStream, io.Closer, error) {
		s := &fakeStream{ctx: ctx, recv: make(chan *speechpb.StreamingRecognizeResponse, 8)}
		streams <- s
		return s, client, nil
	}
	return p, streams, client
}

func result(text string, final bool) *speechpb.StreamingRecognitionResult {
	return &speechpb.StreamingRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
		IsFinal:      final,
	}
}

func TestStartStreamingSendsConfigThenAudio(t *testing.T) {
	t.Parallel()

	p, streams, client := newTestProvider(t)
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{
		SampleRate:     16000,
		InterimResults: true,
		Phrases:        []string{"halo guru", ""},
	})
	if err != nil {
		t.Fatalf("start streaming: %v", err)
	}
	stream := <-streams

	if err := session.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	stream.recv <- &speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{result(" halo ", false)}}
	stream.recv <- &speechpb.StreamingRecognizeResponse{
		Results:         []*speechpb.StreamingRecognitionResult{result("halo guru", true)},
		SpeechEventType: speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE,
	}
	close(stream.recv)

	var events []domain.TranscriptEvent
	for ev := range session.Events() {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Kind != domain.TranscriptKindPartial || events[0].Text != "halo" {
		t.Fatalf("unexpected partial: %+v", events[0])
	}
	if events[1].Kind != domain.TranscriptKindFinal || !events[1].IsSpeechFinal || events[1].Text != "halo guru" {
		t.Fatalf("unexpected final: %+v", events[1])
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}

	requests, sendClosed := stream.snapshot()
	if !sendClosed {
		t.Fatalf("expected send side to be closed after the utterance")
	}
	if len(requests) != 2 {
		t.Fatalf("expected config and one audio request, got %d", len(requests))
	}
	cfg := requests[0].GetStreamingConfig()
	if cfg == nil || !cfg.GetSingleUtterance() || !cfg.GetInterimResults() {
		t.Fatalf("unexpected streaming config: %v", cfg)
	}
	if cfg.GetConfig().GetLanguageCode() != "id-ID" {
		t.Fatalf("expected default language, got %q", cfg.GetConfig().GetLanguageCode())
	}
	if phrases := cfg.GetConfig().GetSpeechContexts(); len(phrases) != 1 || len(phrases[0].GetPhrases()) != 1 {
		t.Fatalf("expected one boosted phrase, got %v", phrases)
	}
	if string(requests[1].GetAudioContent()) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected audio content")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed != 1 {
		t.Fatalf("expected client to be closed once, got %d", client.closed)
	}
}

func TestCloseCancelsWithoutError(t *testing.T) {
	t.Parallel()

	p, streams, _ := newTestProvider(t)
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("start streaming: %v", err)
	}
	<-streams

	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("local close should not surface an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return")
	}
	if err := session.SendAudio([]byte{1}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestStreamFailureIsReported(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	p.open = func(ctx context.Context) (recognizeStream, io.Closer, error) {
		return nil, nil, errors.New("permission denied")
	}
	if _, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}); domain.CodeOf(err) != domain.ErrorCodeWakeWord {
		t.Fatalf("expected wake word error, got %v", err)
	}

	if _, err := p.StartStreaming(context.Background(), ports.StreamingConfig{Encoding: "mp3"}); domain.CodeOf(err) != domain.ErrorCodeConfiguration {
		t.Fatalf("expected configuration error for unsupported encoding, got %v", err)
	}
}

func TestTranscriptEventsSkipsEmptyResults(t *testing.T) {
	t.Parallel()

	events := transcriptEvents(&speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{
		{},
		result("   ", true),
		result("ibu guru", true),
	}})
	if len(events) != 1 || events[0].Text != "ibu guru" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

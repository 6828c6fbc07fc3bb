// Package googlespeech implements streaming recognition on Google Cloud
// Speech-to-Text for the wake word listener.
package googlespeech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

// Config controls the Cloud Speech client.
type Config struct {
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
	Language        string
	Model           string
}

type recognizeStream interface {
	Send(req *speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type openFunc func(ctx context.Context) (recognizeStream, io.Closer, error)

// Provider implements ports.TranscriptionProvider for Cloud Speech.
type Provider struct {
	cfg  Config
	open openFunc
}

func NewProvider(cfg Config) *Provider {
	if cfg.Language == "" {
		cfg.Language = "id-ID"
	}
	p := &Provider{cfg: cfg}
	p.open = p.openCloud
	return p
}

func (p *Provider) openCloud(ctx context.Context) (recognizeStream, io.Closer, error) {
	var opts []option.ClientOption
	if p.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}
	return stream, client, nil
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	recognition, err := recognitionConfig(p.cfg, cfg)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeConfiguration, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, client, err := p.open(streamCtx)
	if err != nil {
		cancel()
		return nil, domain.NewError(domain.ErrorCodeWakeWord, err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          recognition,
				InterimResults:  cfg.InterimResults,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		cancel()
		_ = client.Close()
		return nil, domain.NewError(domain.ErrorCodeWakeWord, fmt.Errorf("failed to send streaming config: %w", err))
	}

	session := &streamingSession{
		stream: stream,
		client: client,
		cancel: cancel,
		events: make(chan domain.TranscriptEvent, 64),
		audio:  make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		cancel()
		_ = client.Close()
		close(session.done)
	}()
	return session, nil
}

func recognitionConfig(providerCfg Config, streamCfg ports.StreamingConfig) (*speechpb.RecognitionConfig, error) {
	encoding, err := audioEncoding(streamCfg.Encoding)
	if err != nil {
		return nil, err
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}
	language := streamCfg.Language
	if language == "" {
		language = providerCfg.Language
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:          encoding,
		SampleRateHertz:   int32(streamCfg.SampleRate),
		AudioChannelCount: int32(streamCfg.Channels),
		LanguageCode:      language,
		Model:             providerCfg.Model,
	}
	var phrases []string
	for _, phrase := range streamCfg.Phrases {
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	if len(phrases) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: phrases}}
	}
	return rc, nil
}

func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}

type streamingSession struct {
	stream recognizeStream
	client io.Closer
	cancel context.CancelFunc

	events chan domain.TranscriptEvent
	audio  chan []byte
	done   chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	local         atomic.Bool
	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return ports.ErrSessionClosed
	}
}

func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *streamingSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		s.local.Store(true)
		s.cancel()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil || s.local.Load() {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()

	for chunk := range s.audio {
		if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
		}); err != nil {
			// Send reports io.EOF once the server ended the stream; Recv has
			// the real status.
			if !errors.Is(err, io.EOF) {
				s.setErr(fmt.Errorf("failed to send audio: %w", err))
			}
			s.drain()
			return
		}
	}

	if err := s.stream.CloseSend(); err != nil {
		s.setErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

// drain keeps SendAudio from blocking after the stream broke, until CloseSend.
func (s *streamingSession) drain() {
	for range s.audio {
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	// The recognizer stops listening after one utterance; stop sending so the
	// writer can finish.
	defer func() { _ = s.CloseSend() }()

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.setErr(fmt.Errorf("failed to receive recognition result: %w", err))
			return
		}
		if resp.GetError() != nil && resp.GetError().GetCode() != 0 {
			s.setErr(fmt.Errorf("speech service error: %s", resp.GetError().GetMessage()))
			return
		}

		for _, event := range transcriptEvents(resp) {
			s.emit(event)
		}
		if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			_ = s.CloseSend()
		}
	}
}

func (s *streamingSession) emit(event domain.TranscriptEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	default:
	}
}

func transcriptEvents(resp *speechpb.StreamingRecognizeResponse) []domain.TranscriptEvent {
	var events []domain.TranscriptEvent
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(alternatives[0].GetTranscript())
		if text == "" {
			continue
		}
		event := domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: text}
		if result.GetIsFinal() {
			event.Kind = domain.TranscriptKindFinal
			event.IsSpeechFinal = true
		}
		events = append(events, event)
	}
	return events
}

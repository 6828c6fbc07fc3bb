package ports

import (
	"context"
	"errors"
	"io"
	"time"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
)

var (
	// ErrSendBufferFull is returned by LiveSession.SendAudio when the outbound
	// queue cannot take another frame without blocking.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// MicStream is a live microphone capture producing s16le PCM.
type MicStream interface {
	io.ReadCloser
	Stop() error
}

// Microphone acquires exclusive microphone streams.
type Microphone interface {
	Acquire(ctx context.Context, cfg AudioConfig) (MicStream, error)
}

// OutputConfig describes the playback device.
type OutputConfig struct {
	SampleRate int
	Channels   int
	Device     string
}

// PlaybackHandle is one scheduled buffer on an output.
type PlaybackHandle interface {
	// Stop cuts playback. Stopping a finished handle is a no-op.
	Stop() error
}

// AudioOutput is an open, clock-bearing playback device.
type AudioOutput interface {
	// CurrentTime is the device clock in seconds.
	CurrentTime() float64
	// Start schedules buf to begin at device time at. onEnded runs once when
	// the buffer finishes naturally, never after Stop.
	Start(buf *pcm.Buffer, at float64, onEnded func()) (PlaybackHandle, error)
	// Failed delivers the device error if playback stops on its own. Nothing
	// is delivered after Close.
	Failed() <-chan error
	Close() error
}

// AudioSink opens playback devices.
type AudioSink interface {
	Open(ctx context.Context, cfg OutputConfig) (AudioOutput, error)
}

// LiveConfig configures one remote conversational session.
type LiveConfig struct {
	APIKey         string
	Endpoint       string
	Session        domain.SessionSettings
	InputRate      int
	ConnectTimeout time.Duration
}

// LiveSession is an open bidirectional voice session.
type LiveSession interface {
	// SendAudio queues one frame without blocking.
	SendAudio(frame pcm.Frame) error
	// Events is closed when the session ends.
	Events() <-chan domain.ServerEvent
	// Wait blocks until the session ends and returns nil for a clean close.
	Wait() error
	Close() error
}

// LiveProvider opens remote voice sessions.
type LiveProvider interface {
	Validate(cfg LiveConfig) error
	Connect(ctx context.Context, cfg LiveConfig) (LiveSession, error)
}

// StreamingConfig describes provider-agnostic recognition settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	Language       string
	InterimResults bool
	Phrases        []string
}

// StreamingSession is an active recognition stream.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming recognition sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// ExclusiveInput is a secondary microphone user that yields to sessions.
type ExclusiveInput interface {
	// Suspend returns once the microphone has been released.
	Suspend()
	Resume()
}

// EventSink receives pipeline observables.
type EventSink interface {
	SessionStateChanged(status domain.SessionStatus, reason domain.StatusReason)
	ListeningChanged(listening bool)
	SpeakingChanged(speaking bool)
	TranscriptChanged(entry domain.TranscriptEntry)
	SessionError(code domain.ErrorCode, message string, detail string)
}

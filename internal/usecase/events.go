package usecase

import (
	"time"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

// event is one entry of the controller queue. Session events carry the
// generation of the session that produced them.
type event any

type startCommand struct {
	reply  chan error
	reason domain.StatusReason
	ifIdle bool
}

type stopCommand struct {
	reply chan error
}

type toggleCommand struct {
	reply chan error
}

type connectResult struct {
	gen     uint64
	err     error
	latency time.Duration
}

type captureFrame struct {
	gen   uint64
	frame pcm.Frame
}

type captureFailed struct {
	gen uint64
	err error
}

type outputFailed struct {
	gen uint64
	err error
}

type serverMessage struct {
	gen uint64
	msg domain.ServerEvent
}

type sessionClosed struct {
	gen uint64
	err error
}

type playbackEnded struct {
	gen uint64
	id  uint64
}

// Metrics receives pipeline counters.
type Metrics interface {
	FrameSent()
	FrameDropped(reason string)
	ChunkScheduled(d time.Duration)
	ChunkDropped(reason string)
	SessionStarted()
	SessionFailed(code domain.ErrorCode)
	StatusChanged(status domain.SessionStatus)
	PlaybackQueued(seconds float64)
	ConnectLatency(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent()                         {}
func (nopMetrics) FrameDropped(string)                {}
func (nopMetrics) ChunkScheduled(time.Duration)       {}
func (nopMetrics) ChunkDropped(string)                {}
func (nopMetrics) SessionStarted()                    {}
func (nopMetrics) SessionFailed(domain.ErrorCode)     {}
func (nopMetrics) StatusChanged(domain.SessionStatus) {}
func (nopMetrics) PlaybackQueued(float64)             {}
func (nopMetrics) ConnectLatency(time.Duration)       {}

type nopExclusiveInput struct{}

func (nopExclusiveInput) Suspend() {}
func (nopExclusiveInput) Resume()  {}

var _ ports.ExclusiveInput = nopExclusiveInput{}

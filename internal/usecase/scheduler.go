package usecase

import (
	"errors"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/ports"
)

var errNoOutput = errors.New("no playback output attached")

// playbackScheduler queues decoded chunks back to back on the output clock.
// It holds no lock: every method runs on the controller loop.
type playbackScheduler struct {
	out     ports.AudioOutput
	onEnded func(id uint64)

	nextStartTime float64
	nextID        uint64
	active        map[uint64]ports.PlaybackHandle

	onSpeaking func(bool)
}

func newPlaybackScheduler(onSpeaking func(bool)) *playbackScheduler {
	if onSpeaking == nil {
		onSpeaking = func(bool) {}
	}
	return &playbackScheduler{
		active:     make(map[uint64]ports.PlaybackHandle),
		onSpeaking: onSpeaking,
	}
}

// Attach binds a session's output. onEnded is called from the output's own
// goroutine and must hand the id back to the loop.
func (s *playbackScheduler) Attach(out ports.AudioOutput, onEnded func(id uint64)) {
	s.out = out
	s.onEnded = onEnded
}

// Detach forgets the output after it has been interrupted.
func (s *playbackScheduler) Detach() {
	s.out = nil
	s.onEnded = nil
}

// Schedule starts buf at max(cursor, now) and advances the cursor by its
// duration. It returns the start time.
func (s *playbackScheduler) Schedule(buf *pcm.Buffer) (float64, error) {
	if s.out == nil {
		return 0, errNoOutput
	}

	startAt := max(s.nextStartTime, s.out.CurrentTime())

	s.nextID++
	id := s.nextID
	notify := s.onEnded
	handle, err := s.out.Start(buf, startAt, func() {
		if notify != nil {
			notify(id)
		}
	})
	if err != nil {
		return 0, err
	}

	s.nextStartTime = startAt + buf.Duration()
	wasSpeaking := len(s.active) > 0
	s.active[id] = handle
	if !wasSpeaking {
		s.onSpeaking(true)
	}
	return startAt, nil
}

// Ended removes a naturally finished chunk. Unknown ids are ignored, which
// covers chunks already cut by Interrupt.
func (s *playbackScheduler) Ended(id uint64) {
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	if len(s.active) == 0 {
		s.onSpeaking(false)
	}
}

// Interrupt stops everything in flight and pulls the cursor back to now.
func (s *playbackScheduler) Interrupt() {
	wasSpeaking := len(s.active) > 0
	for id, handle := range s.active {
		_ = handle.Stop()
		delete(s.active, id)
	}
	if s.out != nil {
		s.nextStartTime = s.out.CurrentTime()
	} else {
		s.nextStartTime = 0
	}
	if wasSpeaking {
		s.onSpeaking(false)
	}
}

// Reset zeroes the cursor for a fresh session.
func (s *playbackScheduler) Reset() {
	s.nextStartTime = 0
}

func (s *playbackScheduler) Speaking() bool {
	return len(s.active) > 0
}

func (s *playbackScheduler) NextStartTime() float64 {
	return s.nextStartTime
}

func (s *playbackScheduler) Active() int {
	return len(s.active)
}

// Queued returns how far the cursor runs ahead of the output clock.
func (s *playbackScheduler) Queued() float64 {
	if s.out == nil {
		return 0
	}
	return max(0, s.nextStartTime-s.out.CurrentTime())
}

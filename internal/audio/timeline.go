package audio

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"livevoice/internal/audio/pcm"
)

// Timeline mixes scheduled buffers onto a sample-accurate output clock. The
// clock advances only as frames are rendered, so CurrentTime is the position
// of the next frame handed to the device.
//
// It is safe to call methods on Timeline from multiple goroutines.
type Timeline struct {
	rate     int
	channels int

	mu       sync.Mutex
	rendered int64
	nextID   uint64
	entries  map[uint64]*timelineEntry
}

type timelineEntry struct {
	start   int64
	buf     *pcm.Buffer
	onEnded func()
}

func (e *timelineEntry) end() int64 {
	return e.start + int64(e.buf.Frames())
}

// NewTimeline returns an empty timeline for interleaved output.
func NewTimeline(rate, channels int) *Timeline {
	if rate <= 0 {
		rate = pcm.PlaybackSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	return &Timeline{rate: rate, channels: channels, entries: make(map[uint64]*timelineEntry)}
}

// Now returns the clock in seconds.
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.rendered) / float64(t.rate)
}

// Add schedules buf at clock time at. A start time in the past begins at the
// next rendered frame. The returned id is used with Remove.
func (t *Timeline) Add(buf *pcm.Buffer, at float64, onEnded func()) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := int64(math.Round(at * float64(t.rate)))
	if start < t.rendered {
		start = t.rendered
	}
	t.nextID++
	t.entries[t.nextID] = &timelineEntry{start: start, buf: buf, onEnded: onEnded}
	return t.nextID
}

// Remove drops a scheduled buffer without running its callback. It reports
// whether the buffer was still scheduled.
func (t *Timeline) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Pending returns the number of buffers not yet fully rendered.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Render mixes the next frames of output into s16le bytes and advances the
// clock. Callbacks of buffers that finished are returned for the caller to run
// outside the timeline lock, in end order.
func (t *Timeline) Render(frames int) ([]byte, []func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mix := make([]float32, frames*t.channels)
	from := t.rendered
	to := from + int64(frames)

	var finished []*timelineEntry
	for id, e := range t.entries {
		lo := max(from, e.start)
		hi := min(to, e.end())
		for pos := lo; pos < hi; pos++ {
			src := int(pos - e.start)
			for ch := 0; ch < t.channels; ch++ {
				bufCh := min(ch, e.buf.NumberOfChannels()-1)
				mix[int(pos-from)*t.channels+ch] += e.buf.Channels[bufCh][src]
			}
		}
		if e.end() <= to {
			delete(t.entries, id)
			finished = append(finished, e)
		}
	}
	t.rendered = to

	slices.SortFunc(finished, func(a, b *timelineEntry) int { return cmp.Compare(a.end(), b.end()) })
	var callbacks []func()
	for _, e := range finished {
		if e.onEnded != nil {
			callbacks = append(callbacks, e.onEnded)
		}
	}
	return pcm.EncodePCM(mix), callbacks
}

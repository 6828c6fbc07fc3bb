package pcm

import "time"

// Buffer is decoded, playable audio with one sample slice per channel.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// NumberOfChannels returns the channel count.
func (b *Buffer) NumberOfChannels() int {
	return len(b.Channels)
}

// Frames returns the number of sample frames.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Length returns the playback length as a time.Duration.
func (b *Buffer) Length() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// Mono returns the first channel, or nil for an empty buffer.
func (b *Buffer) Mono() []float32 {
	if len(b.Channels) == 0 {
		return nil
	}
	return b.Channels[0]
}

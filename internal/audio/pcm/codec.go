// Package pcm converts between normalized float samples and the 16-bit
// little-endian PCM carried by the voice transport.
//
// Outbound frames are base64-wrapped s16le blocks tagged with a MIME type of
// the form "audio/pcm;rate=16000". Inbound audio is unwrapped with Decode and
// turned into a playable Buffer with DecodeAudioData.
package pcm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

const (
	// CaptureSampleRate is the microphone-side rate expected by the service.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of synthesized response audio.
	PlaybackSampleRate = 24000
	// DefaultBlockSize is the number of device samples read per capture block.
	DefaultBlockSize = 4096
	// BytesPerSample is the width of one s16le sample.
	BytesPerSample = 2
)

// ErrMalformedAudio reports an audio payload that cannot be interpreted.
var ErrMalformedAudio = errors.New("pcm: malformed audio payload")

// Frame is one outbound transport frame.
type Frame struct {
	MIMEType string
	// Data is base64-encoded s16le PCM.
	Data string
}

// Bytes unwraps the base64 payload.
func (f Frame) Bytes() ([]byte, error) {
	return Decode(f.Data)
}

// MIMEType returns the transport MIME type for mono s16le at rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Encode clamps samples to [-1,1], converts them to s16le and wraps the result
// in base64.
func Encode(samples []float32, sampleRate int) Frame {
	return Frame{
		MIMEType: MIMEType(sampleRate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM(samples)),
	}
}

// EncodePCM converts normalized samples to s16le bytes.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := int16Sample(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

func int16Sample(s float32) int16 {
	f := float64(s)
	switch {
	case math.IsNaN(f):
		return 0
	case f > 1:
		f = 1
	case f < -1:
		f = -1
	}
	v := math.Round(f * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	if v < math.MinInt16 {
		v = math.MinInt16
	}
	return int16(v)
}

// Decode unwraps a base64 transport payload. It does not interpret the bytes.
func Decode(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	return raw, nil
}

// DecodeAudioData interprets raw as interleaved s16le PCM with the given
// channel count and returns a playable buffer at sampleRate.
func DecodeAudioData(raw []byte, sampleRate int, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrMalformedAudio, sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrMalformedAudio, channels)
	}
	frameBytes := BytesPerSample * channels
	if len(raw)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", ErrMalformedAudio, len(raw), frameBytes)
	}

	frames := len(raw) / frameBytes
	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * BytesPerSample
			v := int16(uint16(raw[off]) | uint16(raw[off+1])<<8)
			data[ch][i] = float32(v) / 32768
		}
	}
	return &Buffer{SampleRate: sampleRate, Channels: data}, nil
}

package pcm

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono sample blocks between two rates. A Resampler with
// equal rates passes blocks through unchanged. It is not safe for concurrent
// use.
type Resampler struct {
	from, to int
	rs       resampling.Resampler
	in       []float64
}

// NewResampler builds a mono resampler from rate from to rate to.
func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", from, to)
	}
	r := &Resampler{from: from, to: to}
	if from == to {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.rs = rs
	return r, nil
}

// Passthrough reports whether the resampler leaves blocks untouched.
func (r *Resampler) Passthrough() bool {
	return r.rs == nil
}

// Process resamples one block. The filter keeps state between calls, so the
// output length of a single call may differ slightly from len(samples)*to/from.
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.rs == nil {
		return samples, nil
	}
	if cap(r.in) < len(samples) {
		r.in = make([]float64, len(samples))
	}
	in := r.in[:len(samples)]
	for i, s := range samples {
		in[i] = float64(s)
	}
	out, err := r.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res, nil
}

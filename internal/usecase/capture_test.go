package usecase

import (
	"errors"
	"math"
	"sync"
	"testing"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []pcm.Frame
	errs   []error
}

func (r *frameRecorder) onFrame(f pcm.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *frameRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.errs)
}

func TestCaptureEmitsFixedSizeEncodedBlocks(t *testing.T) {
	t.Parallel()

	mic := newFakeMicStream()
	rec := &frameRecorder{}
	p, err := startCapture(mic, captureConfig{BlockSize: 256}, rec.onFrame, rec.onError)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	defer p.Stop()

	block := pcm.EncodePCM(make([]float32, 256))
	mic.data <- block[:100]
	mic.data <- block[100:]
	mic.data <- block

	waitFor(t, "two frames", func() bool {
		frames, _ := rec.counts()
		return frames == 2
	})

	rec.mu.Lock()
	frame := rec.frames[0]
	rec.mu.Unlock()
	if frame.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("unexpected mime type %q", frame.MIMEType)
	}
	raw, err := frame.Bytes()
	if err != nil || len(raw) != 512 {
		t.Fatalf("expected 512 bytes per frame, got %d err=%v", len(raw), err)
	}
}

func TestCaptureResamplesDeviceRateTo16k(t *testing.T) {
	t.Parallel()

	mic := newFakeMicStream()
	rec := &frameRecorder{}
	p, err := startCapture(mic, captureConfig{BlockSize: 4096, DeviceRate: 48000}, rec.onFrame, rec.onError)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	defer p.Stop()

	block := make([]float32, 4096)
	for i := range block {
		block[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	for range 4 {
		mic.data <- pcm.EncodePCM(block)
	}

	waitFor(t, "four frames", func() bool {
		frames, _ := rec.counts()
		return frames == 4
	})

	rec.mu.Lock()
	frames := append([]pcm.Frame(nil), rec.frames...)
	rec.mu.Unlock()
	total := 0
	for i, frame := range frames {
		if frame.MIMEType != "audio/pcm;rate=16000" {
			t.Fatalf("frame %d: unexpected mime type %q", i, frame.MIMEType)
		}
		raw, err := frame.Bytes()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		// Resampled frames carry roughly a third of the device block, not a
		// fixed 4096 samples.
		if samples := len(raw) / pcm.BytesPerSample; samples == 0 || samples > 4096/3+16 {
			t.Fatalf("frame %d: unexpected %d samples", i, samples)
		}
		total += len(raw) / pcm.BytesPerSample
	}
	if want := 4 * 4096 / 3; total > want+16 || total < want-1024 {
		t.Fatalf("expected about %d samples at 16 kHz, got %d", want, total)
	}
}

func TestCaptureStopIsIdempotentAndSilent(t *testing.T) {
	t.Parallel()

	mic := newFakeMicStream()
	rec := &frameRecorder{}
	p, err := startCapture(mic, captureConfig{}, rec.onFrame, rec.onError)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if mic.stopCount() != 1 {
		t.Fatalf("expected one mic stop, got %d", mic.stopCount())
	}
	if _, errs := rec.counts(); errs != 0 {
		t.Fatalf("stop must not report capture errors")
	}

	var nilPipeline *capturePipeline
	if err := nilPipeline.Stop(); err != nil {
		t.Fatalf("nil pipeline stop: %v", err)
	}
}

func TestCaptureReportsDeviceFailure(t *testing.T) {
	t.Parallel()

	mic := newFakeMicStream()
	rec := &frameRecorder{}
	p, err := startCapture(mic, captureConfig{BlockSize: 256}, rec.onFrame, rec.onError)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	defer p.Stop()

	mic.errs <- domain.NewError(domain.ErrorCodeMicBusy, errors.New("Device or resource busy"))

	waitFor(t, "capture error", func() bool {
		_, errs := rec.counts()
		return errs == 1
	})
	rec.mu.Lock()
	got := rec.errs[0]
	rec.mu.Unlock()
	if domain.CodeOf(got) != domain.ErrorCodeMicBusy {
		t.Fatalf("expected mic busy to be preserved, got %v", got)
	}
}

func TestCaptureFallsBackToCaptureRate(t *testing.T) {
	t.Parallel()

	p, err := startCapture(newFakeMicStream(), captureConfig{DeviceRate: -1}, nil, nil)
	if err != nil {
		t.Fatalf("non-positive rate should fall back to the capture rate, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

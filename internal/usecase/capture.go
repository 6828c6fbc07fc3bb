package usecase

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"livevoice/internal/audio/pcm"
	"livevoice/internal/domain"
	"livevoice/internal/ports"
)

// capturePipeline reads fixed blocks from the microphone and hands each one,
// encoded for transport, to onFrame.
type capturePipeline struct {
	mic      ports.MicStream
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

type captureConfig struct {
	BlockSize  int
	DeviceRate int
}

func startCapture(
	mic ports.MicStream,
	cfg captureConfig,
	onFrame func(pcm.Frame),
	onError func(error),
) (*capturePipeline, error) {
	if cfg.BlockSize < 256 {
		cfg.BlockSize = pcm.DefaultBlockSize
	}
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = pcm.CaptureSampleRate
	}
	resampler, err := pcm.NewResampler(cfg.DeviceRate, pcm.CaptureSampleRate)
	if err != nil {
		return nil, err
	}

	p := &capturePipeline{mic: mic, done: make(chan struct{})}
	go p.pump(cfg, resampler, onFrame, onError)
	return p, nil
}

func (p *capturePipeline) pump(cfg captureConfig, resampler *pcm.Resampler, onFrame func(pcm.Frame), onError func(error)) {
	defer close(p.done)

	block := make([]byte, cfg.BlockSize*pcm.BytesPerSample)
	for {
		if _, err := io.ReadFull(p.mic, block); err != nil {
			if p.stopped.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				onError(domain.Errorf(domain.ErrorCodeMicNotFound, "microphone stream ended"))
				return
			}
			onError(domain.AsError(fmt.Errorf("audio capture error: %w", err), domain.ErrorCodeMicNotFound))
			return
		}

		buf, err := pcm.DecodeAudioData(block, cfg.DeviceRate, 1)
		if err != nil {
			onError(domain.AsError(err, domain.ErrorCodeMicNotFound))
			return
		}
		samples, err := resampler.Process(buf.Mono())
		if err != nil {
			onError(domain.AsError(err, domain.ErrorCodeMicNotFound))
			return
		}
		if len(samples) == 0 {
			continue
		}
		onFrame(pcm.Encode(samples, pcm.CaptureSampleRate))
	}
}

// Stop releases the microphone and waits for the reader. It is safe on a nil
// pipeline and safe to call more than once.
func (p *capturePipeline) Stop() error {
	if p == nil {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		err = p.mic.Stop()
		<-p.done
	})
	return err
}

package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livevoice/internal/audio"
	"livevoice/internal/config"
	"livevoice/internal/domain"
	"livevoice/internal/httpapi"
	"livevoice/internal/metrics"
	"livevoice/internal/ports"
	"livevoice/internal/providers/deepgram"
	"livevoice/internal/providers/geminiws"
	"livevoice/internal/providers/genailive"
	"livevoice/internal/providers/googlespeech"
	"livevoice/internal/usecase"
	"livevoice/internal/wakeword"
)

// Services is the assembled runtime graph.
type Services struct {
	Config     config.Config
	Controller *usecase.SessionController
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry

	// Listener is nil when the wake word is disabled.
	Listener *wakeword.Listener
	// API is nil when the control API is disabled.
	API      *httpapi.Server
}

// Build wires all backend dependencies for the current runtime.
func Build(cfg config.Config, eventSink ports.EventSink, logger *zap.Logger) (Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	live, err := liveProvider(cfg, logger)
	if err != nil {
		return Services{}, err
	}

	mic := audio.NewFFmpegMicrophone(cfg.Audio.RecorderCommand, logger.Named("mic"))
	audioCfg := ports.AudioConfig{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}

	opts := []usecase.Option{
		usecase.WithLogger(logger.Named("session")),
		usecase.WithMetrics(recorder),
	}

	var listener *wakeword.Listener
	var controller *usecase.SessionController
	if cfg.WakeWord.Enabled {
		recognizer, err := transcriptionProvider(cfg)
		if err != nil {
			return Services{}, err
		}
		aliases, err := wakeword.LoadAliases(cfg.WakeWord.AliasesPath)
		if err != nil {
			return Services{}, domain.NewError(domain.ErrorCodeConfiguration, err)
		}
		// The trigger resolves the controller lazily; it is assigned below.
		trigger := func(ctx context.Context) error { return controller.Wake(ctx) }
		streaming := ports.StreamingConfig{
			Encoding:       "linear16",
			Language:       cfg.WakeWord.Language,
			InterimResults: true,
		}
		listener, err = wakeword.NewListener(mic, recognizer, trigger,
			wakeword.Config{
				Phrases:      cfg.WakeWord.Phrases,
				Audio:        audioCfg,
				Streaming:    streaming,
				RestartDelay: cfg.WakeWord.RestartDelay,
			},
			wakeword.WithLogger(logger.Named("wakeword")),
			wakeword.WithMetrics(recorder),
			wakeword.WithAliases(aliases),
			wakeword.WithEventSink(eventSink),
		)
		if err != nil {
			return Services{}, err
		}
		opts = append(opts, usecase.WithExclusiveInput(listener))
	}

	controller = usecase.NewSessionController(
		mic,
		audio.NewFFplaySink(cfg.Playback.PlayerCommand, logger.Named("playback")),
		live,
		eventSink,
		usecase.Config{
			Audio: audioCfg,
			Output: ports.OutputConfig{
				SampleRate: cfg.Playback.SampleRate,
				Channels:   1,
				Device:     cfg.Playback.Device,
			},
			Live: ports.LiveConfig{
				APIKey:   cfg.Gemini.APIKey,
				Endpoint: cfg.Gemini.Endpoint,
				Session: domain.SessionSettings{
					Model:         cfg.Gemini.Model,
					Voice:         cfg.Gemini.Voice,
					SystemPrompt:  cfg.Gemini.SystemPrompt,
					Transcription: cfg.Gemini.Transcription,
				},
				InputRate:      cfg.Audio.SampleRate,
				ConnectTimeout: cfg.Gemini.ConnectTimeout,
			},
			BlockSize: cfg.Audio.BlockSize,
		},
		opts...,
	)

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(controller, registry, recorder, logger.Named("http"))
	}

	return Services{
		Config:     cfg,
		Controller: controller,
		Metrics:    recorder,
		Registry:   registry,
		Listener:   listener,
		API:        api,
	}, nil
}

// Run drives the controller, the wake word listener and the control API until
// ctx is done or one of them fails.
func (s Services) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Controller.Run(ctx) })
	if s.Listener != nil {
		g.Go(func() error { return s.Listener.Run(ctx) })
	}
	if s.API != nil {
		g.Go(func() error {
			if err := s.API.ListenAndServe(ctx, s.Config.HTTP.Address); err != nil {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func liveProvider(cfg config.Config, logger *zap.Logger) (ports.LiveProvider, error) {
	switch cfg.Gemini.Provider {
	case config.ProviderGenAI, "":
		return genailive.NewProvider(genailive.Config{
			SendBuffer: cfg.Gemini.SendBuffer,
			Logger:     logger.Named("genai"),
		}), nil
	case config.ProviderWebsocket:
		return geminiws.NewProvider(geminiws.Config{
			Endpoint:   cfg.Gemini.Endpoint,
			SendBuffer: cfg.Gemini.SendBuffer,
			Logger:     logger.Named("geminiws"),
		}), nil
	default:
		return nil, domain.Errorf(domain.ErrorCodeConfiguration, "unknown live provider %q", cfg.Gemini.Provider)
	}
}

func transcriptionProvider(cfg config.Config) (ports.TranscriptionProvider, error) {
	switch cfg.WakeWord.Recognizer {
	case config.RecognizerDeepgram, "":
		if cfg.Deepgram.APIKey == "" {
			return nil, domain.Errorf(domain.ErrorCodeConfiguration, "DEEPGRAM_API_KEY is required for the wake word")
		}
		return deepgram.NewProvider(deepgram.Config{
			APIKey:        cfg.Deepgram.APIKey,
			APIBaseURL:    cfg.Deepgram.APIBaseURL,
			Model:         cfg.Deepgram.Model,
			Language:      cfg.WakeWord.Language,
			SmartFormat:   cfg.Deepgram.SmartFormat,
			EndpointingMS: cfg.Deepgram.EndpointingMS,
		}), nil
	case config.RecognizerGoogle:
		return googlespeech.NewProvider(googlespeech.Config{
			CredentialsFile: cfg.WakeWord.CredentialsFile,
			Language:        cfg.WakeWord.Language,
		}), nil
	default:
		return nil, domain.Errorf(domain.ErrorCodeConfiguration, "unknown wake word recognizer %q", cfg.WakeWord.Recognizer)
	}
}

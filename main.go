package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"livevoice/internal/bootstrap"
	"livevoice/internal/config"
	"livevoice/internal/domain"
	"livevoice/internal/logging"
)

type options struct {
	configPath string
	envFile    string
	wakeWord   bool
	httpAddr   string
	logLevel   string
	provider   string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "livevoice",
		Short: "Talk with a Gemini Live voice model from the terminal",
		Long: `Talk with a Gemini Live voice model from the terminal.

Microphone audio is captured with ffmpeg and streamed to the model; its spoken
reply is played back with ffplay. Speak over the model to interrupt it.

Examples:
  livevoice
  livevoice --wake-word
  livevoice --config livevoice.yaml --http-addr 127.0.0.1:8089`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.envFile, "env-file", "", ".env file to load (default ./.env when present)")
	flags.BoolVar(&opts.wakeWord, "wake-word", false, "start sessions when a wake phrase is heard")
	flags.StringVar(&opts.httpAddr, "http-addr", "", "serve the control API on this address")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.provider, "provider", "", "live transport: genai or websocket")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg, opts); err != nil {
		return err
	}

	logger, _, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cmd.OutOrStdout())
	services, err := bootstrap.Build(cfg, app, logger)
	if err != nil {
		derr := domain.AsError(err, domain.ErrorCodeStartup)
		app.SessionError(derr.Code, derr.Message, derr.Detail)
		return err
	}
	app.attach(services.Controller, cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- services.Run(ctx) }()

	logger.Info("livevoice started",
		zap.String("provider", cfg.Gemini.Provider),
		zap.String("model", cfg.Gemini.Model),
		zap.Bool("wake_word", cfg.WakeWord.Enabled),
	)
	if err := app.Run(ctx, cmd.InOrStdin()); err != nil {
		logger.Warn("terminal input failed", zap.Error(err))
	}
	cancel()
	return <-runErr
}

// applyFlags lets explicitly set flags win over file and environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Config, opts options) error {
	flags := cmd.Flags()
	if flags.Changed("wake-word") {
		cfg.WakeWord.Enabled = opts.wakeWord
	}
	if flags.Changed("http-addr") {
		cfg.HTTP.Enabled = opts.httpAddr != ""
		cfg.HTTP.Address = opts.httpAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("provider") {
		cfg.Gemini.Provider = strings.ToLower(strings.TrimSpace(opts.provider))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

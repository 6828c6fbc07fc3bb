package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderGenAI     = "genai"
	ProviderWebsocket = "websocket"

	RecognizerDeepgram = "deepgram"
	RecognizerGoogle   = "google"
)

const defaultSystemPrompt = `Kamu adalah guru yang ramah dan sabar. Jawab dengan bahasa Indonesia yang sederhana, kalimat pendek, dan nada hangat. Kalau murid salah, koreksi dengan lembut lalu beri contoh.`

// Config stores runtime configuration. Values resolve as defaults, then the
// YAML file, then environment variables.
type Config struct {
	Gemini   GeminiConfig   `yaml:"gemini"`
	Audio    AudioConfig    `yaml:"audio"`
	Playback PlaybackConfig `yaml:"playback"`
	WakeWord WakeWordConfig `yaml:"wake_word"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GeminiConfig struct {
	APIKey         string        `yaml:"api_key"`
	Provider       string        `yaml:"provider"`
	Endpoint       string        `yaml:"endpoint"`
	Model          string        `yaml:"model"`
	Voice          string        `yaml:"voice"`
	SystemPrompt   string        `yaml:"system_prompt"`
	Transcription  bool          `yaml:"transcription"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendBuffer     int           `yaml:"send_buffer"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BlockSize       int    `yaml:"block_size"`
}

type PlaybackConfig struct {
	PlayerCommand string `yaml:"player_command"`
	SampleRate    int    `yaml:"sample_rate"`
	Device        string `yaml:"device"`
}

type WakeWordConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Phrases         []string      `yaml:"phrases"`
	Recognizer      string        `yaml:"recognizer"`
	Language        string        `yaml:"language"`
	AliasesPath     string        `yaml:"aliases_path"`
	CredentialsFile string        `yaml:"credentials_file"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
}

type DeepgramConfig struct {
	APIKey        string `yaml:"api_key"`
	APIBaseURL    string `yaml:"api_base_url"`
	Model         string `yaml:"model"`
	SmartFormat   bool   `yaml:"smart_format"`
	EndpointingMS int    `yaml:"endpointing_ms"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	aliases := ""
	if home, err := os.UserHomeDir(); err == nil {
		aliases = filepath.Join(home, ".config", "livevoice", "wake.aliases")
	}

	return Config{
		Gemini: GeminiConfig{
			Provider:       ProviderGenAI,
			Model:          "gemini-2.5-flash-native-audio-preview-12-2025",
			Voice:          "Kore",
			SystemPrompt:   defaultSystemPrompt,
			Transcription:  true,
			ConnectTimeout: 20 * time.Second,
			SendBuffer:     32,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			BlockSize:       4096,
		},
		Playback: PlaybackConfig{
			PlayerCommand: "ffplay",
			SampleRate:    24000,
		},
		WakeWord: WakeWordConfig{
			Phrases:      []string{"halo guru", "ibu guru"},
			Recognizer:   RecognizerDeepgram,
			Language:     "id-ID",
			AliasesPath:  aliases,
			RestartDelay: 500 * time.Millisecond,
		},
		Deepgram: DeepgramConfig{
			APIBaseURL:  "https://api.deepgram.com/v1",
			Model:       "nova-2",
			SmartFormat: false,
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1:8089",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadEnvFiles loads .env files without overriding variables that are already
// set. With no paths it tries ./.env; missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	explicit := len(paths) > 0
	if !explicit {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load resolves configuration from defaults, the optional YAML file at path
// and environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Gemini.APIKey = firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"), cfg.Gemini.APIKey)
	cfg.Gemini.Provider = envOrDefault("LIVEVOICE_PROVIDER", cfg.Gemini.Provider)
	cfg.Gemini.Endpoint = envOrDefault("LIVEVOICE_ENDPOINT", cfg.Gemini.Endpoint)
	cfg.Gemini.Model = envOrDefault("LIVEVOICE_MODEL", cfg.Gemini.Model)
	cfg.Gemini.Voice = envOrDefault("LIVEVOICE_VOICE", cfg.Gemini.Voice)
	cfg.Gemini.SystemPrompt = envOrDefault("LIVEVOICE_SYSTEM_PROMPT", cfg.Gemini.SystemPrompt)
	cfg.Gemini.Transcription = envOrDefaultBool("LIVEVOICE_TRANSCRIPTION", cfg.Gemini.Transcription)
	cfg.Gemini.ConnectTimeout = envOrDefaultDuration("LIVEVOICE_CONNECT_TIMEOUT", cfg.Gemini.ConnectTimeout)

	cfg.Audio.RecorderCommand = envOrDefault("LIVEVOICE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("LIVEVOICE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("LIVEVOICE_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("LIVEVOICE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.BlockSize = envOrDefaultInt("LIVEVOICE_BLOCK_SIZE", cfg.Audio.BlockSize)

	cfg.Playback.PlayerCommand = envOrDefault("LIVEVOICE_FFPLAY_COMMAND", cfg.Playback.PlayerCommand)
	cfg.Playback.Device = envOrDefault("LIVEVOICE_AUDIO_OUTPUT_DEVICE", cfg.Playback.Device)

	cfg.WakeWord.Enabled = envOrDefaultBool("LIVEVOICE_WAKE_WORD", cfg.WakeWord.Enabled)
	if phrases := strings.TrimSpace(os.Getenv("LIVEVOICE_WAKE_PHRASES")); phrases != "" {
		cfg.WakeWord.Phrases = splitList(phrases)
	}
	cfg.WakeWord.Recognizer = envOrDefault("LIVEVOICE_WAKE_RECOGNIZER", cfg.WakeWord.Recognizer)
	cfg.WakeWord.Language = envOrDefault("LIVEVOICE_WAKE_LANGUAGE", cfg.WakeWord.Language)
	cfg.WakeWord.AliasesPath = envOrDefault("LIVEVOICE_WAKE_ALIASES_FILE", cfg.WakeWord.AliasesPath)
	cfg.WakeWord.CredentialsFile = envOrDefault("GOOGLE_APPLICATION_CREDENTIALS", cfg.WakeWord.CredentialsFile)

	cfg.Deepgram.APIKey = envOrDefault("DEEPGRAM_API_KEY", cfg.Deepgram.APIKey)
	cfg.Deepgram.APIBaseURL = envOrDefault("DEEPGRAM_API_BASE", cfg.Deepgram.APIBaseURL)
	cfg.Deepgram.Model = envOrDefault("DEEPGRAM_MODEL", cfg.Deepgram.Model)
	cfg.Deepgram.SmartFormat = envOrDefaultBool("DEEPGRAM_SMART_FORMAT", cfg.Deepgram.SmartFormat)

	cfg.HTTP.Enabled = envOrDefaultBool("LIVEVOICE_HTTP", cfg.HTTP.Enabled)
	cfg.HTTP.Address = envOrDefault("LIVEVOICE_HTTP_ADDR", cfg.HTTP.Address)

	cfg.Logging.Level = envOrDefault("LIVEVOICE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("LIVEVOICE_LOG_FORMAT", cfg.Logging.Format)
}

func (c *Config) normalize() {
	c.Gemini.Provider = strings.ToLower(strings.TrimSpace(c.Gemini.Provider))
	c.WakeWord.Recognizer = strings.ToLower(strings.TrimSpace(c.WakeWord.Recognizer))
	if c.Gemini.ConnectTimeout < 0 {
		c.Gemini.ConnectTimeout = 0
	}
	if c.Gemini.SendBuffer <= 0 {
		c.Gemini.SendBuffer = 32
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.BlockSize < 256 {
		c.Audio.BlockSize = 4096
	}
	if c.Playback.SampleRate <= 0 {
		c.Playback.SampleRate = 24000
	}
	if c.WakeWord.RestartDelay <= 0 {
		c.WakeWord.RestartDelay = 500 * time.Millisecond
	}
}

// Validate rejects values no component can work with. Missing API keys are
// reported by the providers when a session starts.
func (c Config) Validate() error {
	switch c.Gemini.Provider {
	case ProviderGenAI, ProviderWebsocket:
	default:
		return fmt.Errorf("gemini provider must be %q or %q, got %q", ProviderGenAI, ProviderWebsocket, c.Gemini.Provider)
	}
	if c.WakeWord.Enabled {
		switch c.WakeWord.Recognizer {
		case RecognizerDeepgram, RecognizerGoogle:
		default:
			return fmt.Errorf("wake word recognizer must be %q or %q, got %q", RecognizerDeepgram, RecognizerGoogle, c.WakeWord.Recognizer)
		}
		if len(c.WakeWord.Phrases) == 0 {
			return errors.New("wake word is enabled but no phrases are configured")
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration accepts Go durations ("20s") or plain milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

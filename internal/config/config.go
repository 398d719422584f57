package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the overlay backend.
type Config struct {
	AI            AIConfig            `yaml:"ai"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Audio         AudioConfig         `yaml:"audio"`
	Session       SessionConfig       `yaml:"session"`
	History       HistoryConfig       `yaml:"history"`
}

type AIConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
	Compat   CompatConfig `yaml:"compat"`
	Local    LocalConfig  `yaml:"local"`
}

type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	FastModel string `yaml:"fast_model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CompatConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LocalConfig struct {
	ModelID string `yaml:"model_id"`
}

type TranscriptionConfig struct {
	Provider string         `yaml:"provider"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Local    LocalSTTConfig `yaml:"local"`
}

type DeepgramConfig struct {
	APIBaseURL  string `yaml:"api_base"`
	Model       string `yaml:"model"`
	Language    string `yaml:"language"`
	SmartFormat bool   `yaml:"smart_format"`
}

type LocalSTTConfig struct {
	// EnergyThreshold is normalized RMS amplitude in [0,1]; chunks below
	// it are gated out unless they fall in the trailing-silence window.
	EnergyThreshold float64       `yaml:"energy_threshold"`
	TrailingChunks  int           `yaml:"trailing_chunks"`
	InferInterval   time.Duration `yaml:"infer_interval"`
	MinBuffer       time.Duration `yaml:"min_buffer"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
}

type SessionConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	FlashDuration   time.Duration `yaml:"flash_duration"`
	AutoCopyProse   int           `yaml:"auto_copy_prose"`
	MaxErrorDetail  int           `yaml:"max_error_detail"`
	HistoryDisabled bool          `yaml:"history_disabled"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Load resolves configuration from an optional YAML file at
// ~/.config/topside/config.yaml overlaid by environment variables.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := defaults(home)

	path := envOrDefault("TOPSIDE_CONFIG", filepath.Join(home, ".config", "topside", "config.yaml"))
	if data, readErr := os.ReadFile(path); readErr == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	clamp(&cfg)
	return cfg, nil
}

func defaults(home string) Config {
	return Config{
		AI: AIConfig{
			Provider: "openai",
			OpenAI: OpenAIConfig{
				BaseURL:   "https://api.openai.com/v1",
				Model:     "gpt-4o",
				FastModel: "gpt-4o-mini",
				TimeoutMS: 15000,
			},
			Compat: CompatConfig{
				BaseURL:   "http://localhost:11434/v1",
				Model:     "llama3.2-vision",
				TimeoutMS: 15000,
			},
			Local: LocalConfig{ModelID: "mlx-community/Qwen2-VL-2B-Instruct-4bit"},
		},
		Transcription: TranscriptionConfig{
			Provider: "deepgram",
			Deepgram: DeepgramConfig{
				APIBaseURL:  "https://api.deepgram.com/v1",
				Model:       "nova-2",
				SmartFormat: true,
			},
			Local: LocalSTTConfig{
				EnergyThreshold: 0.012,
				TrailingChunks:  10,
				InferInterval:   1500 * time.Millisecond,
				MinBuffer:       1500 * time.Millisecond,
			},
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
		},
		Session: SessionConfig{
			ChunkSize:      4096,
			CancelGrace:    300 * time.Millisecond,
			DrainTimeout:   5 * time.Second,
			FlashDuration:  450 * time.Millisecond,
			AutoCopyProse:  120,
			MaxErrorDetail: 280,
		},
		History: HistoryConfig{
			Path: filepath.Join(home, ".local", "share", "topside", "history.db"),
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.AI.Provider = envOrDefault("TOPSIDE_AI_PROVIDER", cfg.AI.Provider)
	cfg.AI.OpenAI.BaseURL = envOrDefault("TOPSIDE_OPENAI_BASE", cfg.AI.OpenAI.BaseURL)
	cfg.AI.OpenAI.Model = envOrDefault("TOPSIDE_OPENAI_MODEL", cfg.AI.OpenAI.Model)
	cfg.AI.OpenAI.FastModel = envOrDefault("TOPSIDE_OPENAI_FAST_MODEL", cfg.AI.OpenAI.FastModel)
	cfg.AI.Compat.BaseURL = envOrDefault("TOPSIDE_COMPAT_BASE", cfg.AI.Compat.BaseURL)
	cfg.AI.Compat.Model = envOrDefault("TOPSIDE_COMPAT_MODEL", cfg.AI.Compat.Model)
	cfg.AI.Local.ModelID = envOrDefault("TOPSIDE_LOCAL_MODEL", cfg.AI.Local.ModelID)

	cfg.Transcription.Provider = envOrDefault("TOPSIDE_STT_PROVIDER", cfg.Transcription.Provider)
	cfg.Transcription.Deepgram.APIBaseURL = envOrDefault("DEEPGRAM_API_BASE", cfg.Transcription.Deepgram.APIBaseURL)
	cfg.Transcription.Deepgram.Model = envOrDefault("DEEPGRAM_MODEL", cfg.Transcription.Deepgram.Model)
	cfg.Transcription.Deepgram.Language = envOrDefault("DEEPGRAM_LANGUAGE", cfg.Transcription.Deepgram.Language)
	cfg.Transcription.Deepgram.SmartFormat = envOrDefaultBool("DEEPGRAM_SMART_FORMAT", cfg.Transcription.Deepgram.SmartFormat)

	cfg.Audio.RecorderCommand = envOrDefault("TOPSIDE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("TOPSIDE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("TOPSIDE_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("TOPSIDE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("TOPSIDE_CHANNELS", cfg.Audio.Channels)

	cfg.Session.ChunkSize = envOrDefaultInt("TOPSIDE_AUDIO_CHUNK_SIZE", cfg.Session.ChunkSize)
	cfg.History.Path = envOrDefault("TOPSIDE_HISTORY_PATH", cfg.History.Path)
	cfg.Session.HistoryDisabled = envOrDefaultBool("TOPSIDE_HISTORY_DISABLED", cfg.Session.HistoryDisabled)
}

func clamp(cfg *Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Session.ChunkSize < 256 {
		cfg.Session.ChunkSize = 4096
	}
	if cfg.Session.CancelGrace <= 0 {
		cfg.Session.CancelGrace = 300 * time.Millisecond
	}
	if cfg.Session.DrainTimeout <= 0 {
		cfg.Session.DrainTimeout = 5 * time.Second
	}
	if cfg.Session.AutoCopyProse <= 0 {
		cfg.Session.AutoCopyProse = 120
	}
	if cfg.Session.MaxErrorDetail <= 0 {
		cfg.Session.MaxErrorDetail = 280
	}
	if cfg.Transcription.Local.EnergyThreshold <= 0 {
		cfg.Transcription.Local.EnergyThreshold = 0.012
	}
	if cfg.Transcription.Local.TrailingChunks <= 0 {
		cfg.Transcription.Local.TrailingChunks = 10
	}
	if cfg.Transcription.Local.InferInterval <= 0 {
		cfg.Transcription.Local.InferInterval = 1500 * time.Millisecond
	}
	if cfg.Transcription.Local.MinBuffer <= 0 {
		cfg.Transcription.Local.MinBuffer = 1500 * time.Millisecond
	}
}

// EnvSecrets is the default env-backed secret store.
type EnvSecrets struct{}

func (EnvSecrets) Get(name string) string { return strings.TrimSpace(os.Getenv(name)) }

// Reload is a no-op for process env; file-backed stores re-read disk here.
func (EnvSecrets) Reload() error { return nil }

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

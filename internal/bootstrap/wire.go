package bootstrap

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/stouffer-labs/topside/internal/ai"
	"github.com/stouffer-labs/topside/internal/audio"
	"github.com/stouffer-labs/topside/internal/config"
	"github.com/stouffer-labs/topside/internal/history"
	"github.com/stouffer-labs/topside/internal/orchestrator"
	"github.com/stouffer-labs/topside/internal/platform"
	"github.com/stouffer-labs/topside/internal/ports"
	"github.com/stouffer-labs/topside/internal/provider"
	"github.com/stouffer-labs/topside/internal/providers/compat"
	"github.com/stouffer-labs/topside/internal/providers/deepgram"
	"github.com/stouffer-labs/topside/internal/providers/local"
	"github.com/stouffer-labs/topside/internal/providers/openai"
)

// Services is the assembled runtime graph.
type Services struct {
	Orchestrator  *orchestrator.Orchestrator
	AI            *ai.Client
	Transcription *provider.Registry[provider.TranscriptionProvider]
	History       ports.HistoryStore
	Config        config.Config
	Logger        *log.Logger

	closers []func() error
}

// Shell holds the host-process collaborators the UI layer provides.
type Shell struct {
	Events    ports.EventSink
	Clipboard ports.Clipboard
	Highlight ports.Highlighter
	Input     ports.InputListener

	// Engine is the optional on-device model runtime; when nil the
	// local AI and transcription backends are not registered.
	Engine ports.InferenceEngine
}

// Build wires all backend dependencies for the current runtime.
func Build(shell Shell) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "topside",
	})

	secrets := config.EnvSecrets{}

	stt := provider.NewRegistry[provider.TranscriptionProvider](cfg.Transcription.Provider)
	stt.Register(deepgram.Descriptor(), func() (provider.TranscriptionProvider, error) {
		return deepgram.NewProvider(deepgram.Config{
			APIKey:      secrets.Get("DEEPGRAM_API_KEY"),
			APIBaseURL:  cfg.Transcription.Deepgram.APIBaseURL,
			Model:       cfg.Transcription.Deepgram.Model,
			Language:    cfg.Transcription.Deepgram.Language,
			SmartFormat: cfg.Transcription.Deepgram.SmartFormat,
		}), nil
	})

	chat := provider.NewRegistry[provider.AIProvider](cfg.AI.Provider)
	chat.Register(openai.Descriptor(), func() (provider.AIProvider, error) {
		return openai.NewProvider(openai.Config{
			BaseURL:   cfg.AI.OpenAI.BaseURL,
			Model:     cfg.AI.OpenAI.Model,
			FastModel: cfg.AI.OpenAI.FastModel,
			TimeoutMS: cfg.AI.OpenAI.TimeoutMS,
		}, secrets), nil
	})
	chat.Register(compat.Descriptor(), func() (provider.AIProvider, error) {
		return compat.NewProvider(compat.Config{
			BaseURL:   cfg.AI.Compat.BaseURL,
			Model:     cfg.AI.Compat.Model,
			TimeoutMS: cfg.AI.Compat.TimeoutMS,
		}, secrets), nil
	})
	if shell.Engine != nil {
		chat.Register(local.AIDescriptor(), func() (provider.AIProvider, error) {
			return local.NewAIProvider(shell.Engine, cfg.AI.Local.ModelID), nil
		})
		stt.Register(local.TranscriberDescriptor(), func() (provider.TranscriptionProvider, error) {
			return local.NewTranscriber(shell.Engine, local.STTConfig{
				EnergyThreshold: cfg.Transcription.Local.EnergyThreshold,
				TrailingChunks:  cfg.Transcription.Local.TrailingChunks,
				InferInterval:   cfg.Transcription.Local.InferInterval,
				MinBuffer:       cfg.Transcription.Local.MinBuffer,
				DrainTimeout:    cfg.Session.DrainTimeout,
			}, logger), nil
		})
	}

	aiClient := ai.NewClient(chat, logger)

	svc := &Services{
		AI:            aiClient,
		Transcription: stt,
		Config:        cfg,
		Logger:        logger,
	}
	svc.closers = append(svc.closers, stt.Shutdown, chat.Shutdown)

	var store ports.HistoryStore
	if !cfg.Session.HistoryDisabled {
		sqlStore, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("history store unavailable", "err", err)
		} else {
			store = sqlStore
			svc.History = sqlStore
			svc.closers = append(svc.closers, sqlStore.Close)
		}
	}

	svc.Orchestrator = orchestrator.New(orchestrator.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		Stream: provider.StreamConfig{
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       cfg.Audio.Channels,
			Encoding:       "linear16",
			InterimResults: true,
		},
		Model:           activeModel(cfg),
		ChunkSize:       cfg.Session.ChunkSize,
		CancelGrace:     cfg.Session.CancelGrace,
		DrainTimeout:    cfg.Session.DrainTimeout,
		FlashDuration:   cfg.Session.FlashDuration,
		AutoCopyProse:   cfg.Session.AutoCopyProse,
		MaxErrorDetail:  cfg.Session.MaxErrorDetail,
		HistoryDisabled: cfg.Session.HistoryDisabled,
	}, orchestrator.Deps{
		Audio:         audio.NewRecorder(cfg.Audio.RecorderCommand),
		Transcription: stt,
		AI:            aiClient,
		Capture:       platform.NewGrabCapture(cfg.Audio.RecorderCommand, logger),
		Windows:       platform.NewXWindowService(logger),
		Highlight:     shell.Highlight,
		History:       store,
		Input:         shell.Input,
		Clipboard:     shell.Clipboard,
		Secrets:       secrets,
		Events:        shell.Events,
		Logger:        logger,
	})

	return svc, nil
}

func activeModel(cfg config.Config) string {
	switch cfg.AI.Provider {
	case "compat":
		return cfg.AI.Compat.Model
	case "local":
		return cfg.AI.Local.ModelID
	default:
		return cfg.AI.OpenAI.Model
	}
}

// Shutdown releases the provider registries and history store.
func (s *Services) Shutdown() {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.Logger.Warn("shutdown step failed", "err", err)
		}
	}
}

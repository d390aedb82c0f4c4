package main

import (
	"fmt"
	"log/slog"

	"monadic-chat/internal/adapter/envelope"
	"monadic-chat/internal/adapter/gateway"
	"monadic-chat/internal/adapter/llm"
	"monadic-chat/internal/adapter/segment"
	"monadic-chat/internal/adapter/tokenizer"
	"monadic-chat/internal/adapter/transcribe"
	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/usecase"
)

// initEngine builds the provider chain, the turn coordinator and the gateway
// that serves sessions with them.
func initEngine(cfg *config.Config, tools *ToolComponents, storage *StorageComponents, log *slog.Logger) (*gateway.Server, error) {
	registry, provider, err := llm.Build(cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	counter, err := tokenizer.New(cfg.Engine.TokenizerModel)
	if err != nil {
		log.Warn("tokenizer unavailable, using approximate counts", "model", cfg.Engine.TokenizerModel, "error", err)
	}

	var validator domain.EnvelopeValidator
	if cfg.Engine.StructuredMode {
		v, err := envelope.New()
		if err != nil {
			return nil, fmt.Errorf("envelope schema: %w", err)
		}
		validator = v
	}

	var transcriber domain.Transcriber
	if cfg.Transcription.Enabled {
		transcriber = transcribe.NewWhisperTranscriber(cfg.Transcription, log)
	}

	metrics := gateway.NewMetrics()
	invoker := gateway.InstrumentTools(tools.Registry, metrics)

	coordinator := usecase.NewToolCallCoordinator(usecase.CoordinatorDeps{
		Provider: gateway.InstrumentProvider(provider, metrics),
		Tools:    invoker,
		Decoder: usecase.NewStreamDecoder(usecase.DecoderConfig{
			InactivityTimeout: cfg.Engine.InactivityTimeout,
			MaxParseFailures:  cfg.Engine.MaxParseFailures,
		}, log),
		Detector:   segment.UAX29Detector{},
		Envelope:   validator,
		Classifier: usecase.NewErrorClassifier(),
		Logger:     log,
		Config: usecase.CoordinatorConfig{
			MaxToolRounds: cfg.Engine.MaxToolRounds,
			ToolTimeout:   cfg.Engine.ToolTimeout,
			InitRetries:   cfg.Engine.InitRetries,
		},
	})

	return gateway.NewServer(cfg.Gateway, gateway.Deps{
		Coordinator: coordinator,
		Store:       storage.Sessions,
		Blobs:       storage.Blobs,
		Transcriber: transcriber,
		Counter:     counter,
		Session: domain.SessionConfig{
			TokenBudget:       cfg.Engine.TokenBudget,
			MaxActiveMessages: cfg.Engine.MaxActiveMessages,
			StructuredMode:    cfg.Engine.StructuredMode,
			Provider:          provider.Name(),
		},
		InitialPrompt: cfg.Engine.InitialPrompt,
		Providers:     registry.List(),
		Tools:         invoker,
		Metrics:       metrics,
	}, log), nil
}

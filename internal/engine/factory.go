package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/yai/internal/config"
)

// New builds the engine selected by cfg. A prompt file, when configured, is
// watched for changes until ctx is done.
func New(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Kind {
	case config.EngineXAI:
		var prompt PromptSource = StaticPrompt("")
		if cfg.PromptPath == "" {
			logger.Warn("YAI_CHAT_INPUT_PATH not set, using an empty system prompt")
		} else {
			file, err := LoadPromptFile(cfg.PromptPath, logger)
			if err != nil {
				return nil, err
			}
			if err := file.Watch(ctx); err != nil {
				logger.Warn("Prompt hot reload disabled", "path", cfg.PromptPath, "error", err)
			}
			prompt = file
		}
		return NewXAI(XAIConfig{
			APIKey:      cfg.XAIAPIKey,
			Model:       cfg.XAIModel,
			BaseURL:     cfg.XAIBaseURL,
			MinChunk:    cfg.MinChunk,
			Prompt:      prompt,
			OnDirective: LogDirectives(logger),
			Logger:      logger,
		})
	case config.EngineGrpc:
		return NewGrpc(DefaultGrpcConfig(cfg.GrpcAddr), logger)
	case config.EngineEcho:
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Kind)
	}
}

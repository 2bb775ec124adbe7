package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/yai/internal/domain"
)

const (
	// DefaultXAIBaseURL is the OpenAI-compatible xAI endpoint.
	DefaultXAIBaseURL = "https://api.x.ai/v1"
	// DefaultXAIModel is used when no model is configured.
	DefaultXAIModel = "grok-3-mini"
)

var errMissingAPIKey = errors.New("xai api key is required")

// XAIConfig configures the xAI engine.
type XAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MinChunk    int
	Prompt      PromptSource
	OnDirective DirectiveHandler
	Logger      *slog.Logger
}

// XAI streams answers from the xAI chat completions API.
type XAI struct {
	client      *openai.Client
	model       string
	minChunk    int
	prompt      PromptSource
	onDirective DirectiveHandler
	logger      *slog.Logger
}

// NewXAI creates an xAI engine.
func NewXAI(cfg XAIConfig) (*XAI, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultXAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultXAIBaseURL
	}
	if cfg.Prompt == nil {
		cfg.Prompt = StaticPrompt("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	cfg.Logger.Info("Initializing xAI engine", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &XAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		minChunk:    cfg.MinChunk,
		prompt:      cfg.Prompt,
		onDirective: cfg.OnDirective,
		logger:      cfg.Logger,
	}, nil
}

// Name implements Engine.
func (x *XAI) Name() string { return "xai" }

// BuildMessages lays out a chat completion conversation: the system message,
// the prior turns as user/assistant pairs, then the new question.
func BuildMessages(system string, history []domain.HistoryEntry, question string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2+2*len(history))
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, e := range history {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: e.Question},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: e.Answer},
		)
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})
}

// Generate implements Engine.
func (x *XAI) Generate(ctx context.Context, history []domain.HistoryEntry, question string, scope domain.ContextScope, sink Sink) error {
	req := openai.ChatCompletionRequest{
		Model:    x.model,
		Messages: BuildMessages(SystemMessage(x.prompt.Prompt(), scope), history, question),
		Stream:   true,
	}

	stream, err := x.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("xai chat completion: %w", err)
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			x.logger.Debug("failed to close xai stream", "error", closeErr)
		}
	}()

	c := newChunker(x.minChunk, sink)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("xai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		c.Write(resp.Choices[0].Delta.Content)
	}

	if d := c.Flush(); d != nil && x.onDirective != nil {
		x.onDirective(ctx, scope, *d)
	}
	return nil
}

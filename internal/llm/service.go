package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/RichardoC/stargazer/internal/config"
	"github.com/RichardoC/stargazer/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Generator is the part of llms.Model the service needs.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// ChunkFunc receives each piece of model output as it arrives. Returning
// an error aborts generation.
type ChunkFunc func(ctx context.Context, chunk string) error

type Service struct {
	llm          Generator
	systemPrompt string
	tokens       *TokenCounter
	logger       *zap.Logger
}

type Option func(*Service)

func WithTokenCounter(tc *TokenCounter) Option {
	return func(s *Service) { s.tokens = tc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wraps an already constructed model.
func NewService(gen Generator, systemPrompt string, opts ...Option) *Service {
	s := &Service{
		llm:          gen,
		systemPrompt: systemPrompt,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New builds a Service talking to OpenAI (or an OpenAI-compatible server)
// through langchaingo. A missing API key does not fail construction: the
// returned Service answers every request with ErrAuth instead.
func New(cfg config.ProviderConfig, systemPrompt string, opts ...Option) (*Service, error) {
	if cfg.APIKey == "" {
		return NewService(missingKey{}, systemPrompt, opts...), nil
	}

	llmOpts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Compatibility == config.CompatibilityStrict {
		llmOpts = append(llmOpts, openai.WithAPIType(openai.APITypeOpenAI))
	}

	model, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	return NewService(model, systemPrompt, opts...), nil
}

// Ready reports whether the service has credentials to reach the provider.
func (s *Service) Ready() bool {
	_, missing := s.llm.(missingKey)
	return !missing
}

// Stream sends the conversation, prefixed with the system prompt, to the
// model and hands each output chunk to onChunk. It returns the number of
// chunks delivered. Errors are classified, see Classify.
func (s *Service) Stream(ctx context.Context, conversation []models.Message, onChunk ChunkFunc) (int, error) {
	if len(conversation) == 0 {
		return 0, models.ErrEmptyConversation
	}

	content := s.buildMessages(conversation)
	if s.tokens != nil {
		s.logger.Info("prompt size",
			zap.Int("messages", len(content)),
			zap.Int("tokens", s.tokens.Count(s.systemPrompt, conversation)))
	}

	var delivered int
	resp, err := s.llm.GenerateContent(ctx, content,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			delivered++
			return onChunk(ctx, string(chunk))
		}),
	)
	if err != nil {
		return delivered, Classify(ctx, err)
	}

	// Some OpenAI-compatible servers ignore stream=true and only return
	// the final choice.
	if delivered == 0 && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		if err := onChunk(ctx, resp.Choices[0].Content); err != nil {
			return 0, Classify(ctx, err)
		}
		delivered = 1
	}
	if delivered == 0 {
		return 0, &ProviderError{Kind: ErrUpstream, Err: errors.New("model returned no content")}
	}
	return delivered, nil
}

func (s *Service) buildMessages(conversation []models.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(conversation)+1)
	if s.systemPrompt != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt))
	}
	for _, m := range conversation {
		role := llms.ChatMessageTypeHuman
		if m.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

type missingKey struct{}

func (missingKey) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return nil, &ProviderError{Kind: ErrAuth, Err: errors.New("OPENAI_API_KEY is not configured")}
}

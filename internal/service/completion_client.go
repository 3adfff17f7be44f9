package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"metergate/internal/tier"
)

// Completion is the result of the two-step metered call.
type Completion struct {
	Output           string
	Summary          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// CompletionClient performs the costly external call.
type CompletionClient interface {
	Interpret(ctx context.Context, cfg tier.Config, input string) (*Completion, error)
}

// ChatCompleter is the part of *openai.Client we use.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type openAICompletionClient struct {
	api    ChatCompleter
	logger zerolog.Logger
}

// NewOpenAIClient builds the go-openai client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func NewCompletionClient(api ChatCompleter, logger zerolog.Logger) CompletionClient {
	return &openAICompletionClient{
		api:    api,
		logger: logger.With().Str("service", "CompletionClient").Logger(),
	}
}

func (c *openAICompletionClient) Interpret(ctx context.Context, cfg tier.Config, input string) (*Completion, error) {
	primary, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("primary completion: %w", err)
	}
	output, err := firstChoice(primary)
	if err != nil {
		return nil, fmt.Errorf("primary completion: %w", err)
	}

	summary, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     tier.SummaryModel,
		MaxTokens: tier.SummaryMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Summarize the following dream interpretation in under 200 characters."},
			{Role: openai.ChatMessageRoleUser, Content: output},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary completion: %w", err)
	}
	short, err := firstChoice(summary)
	if err != nil {
		return nil, fmt.Errorf("summary completion: %w", err)
	}

	res := &Completion{
		Output:           output,
		Summary:          short,
		Model:            cfg.Model,
		PromptTokens:     primary.Usage.PromptTokens + summary.Usage.PromptTokens,
		CompletionTokens: primary.Usage.CompletionTokens + summary.Usage.CompletionTokens,
	}
	c.logger.Info().
		Str("event", "completion_usage").
		Str("model", cfg.Model).
		Int("prompt_tokens", res.PromptTokens).
		Int("completion_tokens", res.CompletionTokens).
		Msg("completion finished")
	return res, nil
}

func firstChoice(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

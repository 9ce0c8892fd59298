// dotchat - Conversational assistant with long-term summary memory
// License: MIT
//
// Copyright (c) 2026 dotchat contributors

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/config"
)

func init() {
	RegisterFactory(ProviderOpenAI, newOpenAIGatewayFromConfig, validateOpenAIConfig)
}

func validateOpenAIConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		return chaterr.Configf("providers.openai.api_key", "is required")
	}
	return nil
}

func newOpenAIGatewayFromConfig(cfg *config.Config) (Gateway, error) {
	if err := validateOpenAIConfig(cfg); err != nil {
		return nil, err
	}
	return NewOpenAIGateway(strings.TrimSpace(cfg.Providers.OpenAI.APIKey), cfg.GetOpenAIAPIBase()), nil
}

// OpenAIGateway talks to the Chat Completions API.
type OpenAIGateway struct {
	client openai.Client
}

// NewOpenAIGateway builds a gateway; an empty apiBase uses the SDK default.
// SDK retries are disabled, see WithRetry.
func NewOpenAIGateway(apiKey, apiBase string, opts ...option.RequestOption) *OpenAIGateway {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if apiBase = strings.TrimSpace(apiBase); apiBase != "" {
		options = append(options, option.WithBaseURL(apiBase))
	}
	options = append(options, opts...)
	return &OpenAIGateway{client: openai.NewClient(options...)}
}

func (g *OpenAIGateway) Name() string { return ProviderOpenAI }

func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, chaterr.NewGatewayError(chaterr.KindUnknown, ProviderOpenAI, "no messages to send", nil)
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(ctx, ProviderOpenAI, err)
	}
	if len(completion.Choices) == 0 {
		return nil, chaterr.NewGatewayError(chaterr.KindUnknown, ProviderOpenAI, "response contained no choices", nil)
	}

	model := completion.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Content:          completion.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

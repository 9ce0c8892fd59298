package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/config"
)

// Anthropic requires max_tokens on every request.
const defaultAnthropicMaxTokens = 2000

func init() {
	RegisterFactory(ProviderAnthropic, newAnthropicGatewayFromConfig, validateAnthropicConfig)
}

func validateAnthropicConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) == "" {
		return chaterr.Configf("providers.anthropic.api_key", "is required")
	}
	return nil
}

func newAnthropicGatewayFromConfig(cfg *config.Config) (Gateway, error) {
	if err := validateAnthropicConfig(cfg); err != nil {
		return nil, err
	}
	return NewAnthropicGateway(strings.TrimSpace(cfg.Providers.Anthropic.APIKey), cfg.GetAnthropicAPIBase()), nil
}

// AnthropicGateway talks to the Messages API.
type AnthropicGateway struct {
	client anthropic.Client
}

func NewAnthropicGateway(apiKey, apiBase string, opts ...option.RequestOption) *AnthropicGateway {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if apiBase = strings.TrimSpace(apiBase); apiBase != "" {
		options = append(options, option.WithBaseURL(apiBase))
	}
	options = append(options, opts...)
	return &AnthropicGateway{client: anthropic.NewClient(options...)}
}

func (g *AnthropicGateway) Name() string { return ProviderAnthropic }

func (g *AnthropicGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	system, msgs := toAnthropicMessages(req.Messages)
	if len(msgs) == 0 {
		return nil, chaterr.NewGatewayError(chaterr.KindUnknown, ProviderAnthropic, "no messages to send", nil)
	}

	maxTokens := int64(defaultAnthropicMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(ctx, ProviderAnthropic, err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	model := string(message.Model)
	if model == "" {
		model = req.Model
	}
	return &Response{
		Content:          content.String(),
		Model:            model,
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
	}, nil
}

// toAnthropicMessages lifts system messages into the system prompt and
// merges consecutive turns of the same role. The API wants the first turn
// to come from the user.
func toAnthropicMessages(in []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	type turn struct {
		role  string
		parts []string
	}
	var turns []turn
	for _, m := range in {
		if m.Role == "system" {
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].parts = append(turns[n-1].parts, m.Content)
			continue
		}
		turns = append(turns, turn{role: role, parts: []string{m.Content}})
	}
	if len(turns) > 0 && turns[0].role == "assistant" {
		turns = append([]turn{{role: "user", parts: []string{"(earlier conversation continues)"}}}, turns...)
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.parts, "\n\n"))
		if t.role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return system, out
}

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/models"
)

const openAIOK = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`

const anthropicOK = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5","content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],"stop_reason":"end_turn","usage":{"input_tokens":7,"output_tokens":3}}`

func TestOpenAIGateway_Complete(t *testing.T) {
	var seenAuth, seenPath string
	var seenBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIOK))
	}))
	defer server.Close()

	gw := NewOpenAIGateway("test-key-123", server.URL)
	resp, err := gw.Complete(context.Background(), Request{
		Model:       "gpt-4o",
		MaxTokens:   50,
		Temperature: 0.7,
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "hi" || resp.PromptTokens != 10 || resp.CompletionTokens != 2 {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if seenAuth != "Bearer test-key-123" {
		t.Fatalf("expected bearer auth, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions, got %q", seenPath)
	}
	if seenBody["model"] != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %v", seenBody["model"])
	}
	msgs, _ := seenBody["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first, _ := msgs[0].(map[string]interface{})
	if first["role"] != "system" {
		t.Fatalf("expected system message first, got %v", first["role"])
	}
}

func TestAnthropicGateway_Complete(t *testing.T) {
	var seenKey, seenPath string
	var seenBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("X-Api-Key")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(anthropicOK))
	}))
	defer server.Close()

	gw := NewAnthropicGateway("anthropic-key", server.URL)
	resp, err := gw.Complete(context.Background(), Request{
		Model: "claude-haiku-4-5",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "system", Content: "Conversation summary so far:\nnothing"},
			{Role: "assistant", Content: "earlier reply"},
			{Role: "user", Content: "hi"},
			{Role: "user", Content: "again"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 7, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)
	assert.Equal(t, "anthropic-key", seenKey)
	assert.Equal(t, "/v1/messages", seenPath)

	system, _ := seenBody["system"].([]interface{})
	assert.Len(t, system, 2)
	msgs, _ := seenBody["messages"].([]interface{})
	require.Len(t, msgs, 3)
	first, _ := msgs[0].(map[string]interface{})
	assert.Equal(t, "user", first["role"])
	assert.EqualValues(t, defaultAnthropicMaxTokens, seenBody["max_tokens"])
}

func TestGatewayErrors_ClassifiedAndSanitized(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   chaterr.GatewayKind
	}{
		{name: "unauthorized", status: 401, body: `{"error":{"message":"Incorrect API key provided: sk-live-abcdef","type":"invalid_request_error"}}`, want: chaterr.KindAuthFailure},
		{name: "forbidden", status: 403, body: `{"error":{"message":"forbidden","type":"permission_error"}}`, want: chaterr.KindAuthFailure},
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow down","type":"rate_limit_error"}}`, want: chaterr.KindRateLimited},
		{name: "server error", status: 500, body: `{"error":{"message":"boom","type":"server_error"}}`, want: chaterr.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			for _, gw := range []Gateway{
				NewOpenAIGateway("sk-live-abcdef", server.URL),
				NewAnthropicGateway("sk-live-abcdef", server.URL),
			} {
				_, err := gw.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
				require.Error(t, err)
				assert.Equal(t, tt.want, chaterr.GatewayKindOf(err), gw.Name())
				var ge *chaterr.GatewayError
				require.ErrorAs(t, err, &ge)
				assert.NotContains(t, ge.Message, "sk-live-abcdef")
			}
		})
	}
}

func TestWithTimeout_ReportsTimeout(t *testing.T) {
	slow := GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	gw := WithTimeout(slow, 20*time.Millisecond)

	start := time.Now()
	_, err := gw.Complete(context.Background(), Request{Model: "m"})
	if chaterr.GatewayKindOf(err) != chaterr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not bound the call")
	}
}

func TestWithTimeout_HTTPGateway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	gw := WithTimeout(NewOpenAIGateway("k", server.URL), 50*time.Millisecond)
	_, err := gw.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	assert.Equal(t, chaterr.KindTimeout, chaterr.GatewayKindOf(err))
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
		if calls.Add(1) == 1 {
			return nil, chaterr.NewGatewayError(chaterr.KindRateLimited, "test", "429", nil)
		}
		return &Response{Content: "ok"}, nil
	})
	resp, err := WithRetry(flaky, 2, time.Millisecond).Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 2, calls.Load())

	calls.Store(0)
	denied := GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return nil, chaterr.NewGatewayError(chaterr.KindAuthFailure, "test", "401", nil)
	})
	_, err = WithRetry(denied, 3, time.Millisecond).Complete(context.Background(), Request{})
	assert.Equal(t, chaterr.KindAuthFailure, chaterr.GatewayKindOf(err))
	assert.EqualValues(t, 1, calls.Load(), "auth failures must not be retried")
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	reg, err := models.NewRegistry(models.BuiltinCatalog())
	require.NoError(t, err)

	var seen []string
	stub := func(name string) Gateway {
		return GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
			seen = append(seen, name+":"+req.Model)
			return &Response{Content: name}, nil
		})
	}
	router, err := NewRouter(reg, map[string]Gateway{
		ProviderOpenAI:    stub(ProviderOpenAI),
		ProviderAnthropic: stub(ProviderAnthropic),
	})
	require.NoError(t, err)

	for _, model := range []string{"gpt-4o", "claude-haiku-4-5", "unknown"} {
		_, err := router.Complete(context.Background(), Request{Model: model})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"openai:gpt-4o", "anthropic:claude-haiku-4-5", "openai:unknown"}, seen)

	only, err := NewRouter(reg, map[string]Gateway{ProviderOpenAI: stub(ProviderOpenAI)})
	require.NoError(t, err)
	_, err = only.Complete(context.Background(), Request{Model: "claude-haiku-4-5"})
	assert.Equal(t, chaterr.KindUnknown, chaterr.GatewayKindOf(err))
}

func TestNewRouterFromConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIOK))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "openai-key"
	cfg.Providers.OpenAI.APIBase = server.URL

	assert.Equal(t, []string{ProviderOpenAI}, ConfiguredProviders(cfg))

	reg, err := models.NewRegistry(models.BuiltinCatalog())
	require.NoError(t, err)
	router, err := NewRouterFromConfig(cfg, reg)
	require.NoError(t, err)
	resp, err := router.Complete(context.Background(), Request{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, 12, resp.TotalTokens())

	_, err = CreateGateway(cfg, "nope")
	assert.True(t, chaterr.IsConfiguration(err))
	assert.True(t, strings.Contains(err.Error(), "unsupported provider"))
}

package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. Messages are sent in order; system
// messages may appear anywhere the caller put them.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Gateway sends a completion request to an upstream model service. Errors
// are *chaterr.GatewayError.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (*Response, error)

func (f GatewayFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func (f GatewayFunc) Name() string { return "func" }

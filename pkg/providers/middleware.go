package providers

import (
	"context"
	"errors"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to next. A call that outlives the deadline
// fails with KindTimeout.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: timeout}
}

func (g *timeoutGateway) Name() string { return g.next.Name() }

func (g *timeoutGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.next.Complete(cctx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && chaterr.GatewayKindOf(err) != chaterr.KindTimeout {
		return nil, chaterr.NewGatewayError(chaterr.KindTimeout, g.next.Name(), "request timed out", err)
	}
	return nil, err
}

type retryGateway struct {
	next     Gateway
	attempts int
	backoff  time.Duration
}

// WithRetry repeats retryable failures (timeouts and rate limits) up to
// attempts total calls.
func WithRetry(next Gateway, attempts int, backoff time.Duration) Gateway {
	if attempts <= 1 {
		return next
	}
	return &retryGateway{next: next, attempts: attempts, backoff: backoff}
}

func (g *retryGateway) Name() string { return g.next.Name() }

func (g *retryGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		resp, err := g.next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var gw *chaterr.GatewayError
		if !errors.As(err, &gw) || !gw.Retryable() || attempt == g.attempts {
			break
		}
		logger.WarnCF("providers", "Retrying completion", map[string]interface{}{
			"provider": g.next.Name(),
			"model":    req.Model,
			"attempt":  attempt,
			"kind":     string(gw.Kind),
		})
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(g.backoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

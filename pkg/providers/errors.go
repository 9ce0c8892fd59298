package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
)

// classifyError maps an SDK failure to a sanitized GatewayError.
func classifyError(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	var gw *chaterr.GatewayError
	if errors.As(err, &gw) {
		return gw
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return chaterr.NewGatewayError(chaterr.KindTimeout, provider, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return chaterr.NewGatewayError(chaterr.KindTimeout, provider, "request timed out", err)
	}

	status := 0
	var oaErr *openai.Error
	var anErr *anthropic.Error
	switch {
	case errors.As(err, &oaErr):
		status = oaErr.StatusCode
	case errors.As(err, &anErr):
		status = anErr.StatusCode
	}
	if status == 0 {
		return chaterr.NewGatewayError(chaterr.KindUnknown, provider, err.Error(), err)
	}
	return chaterr.NewGatewayError(kindForStatus(status), provider, fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status)), err)
}

func kindForStatus(status int) chaterr.GatewayKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return chaterr.KindAuthFailure
	case http.StatusTooManyRequests:
		return chaterr.KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return chaterr.KindTimeout
	}
	return chaterr.KindUnknown
}

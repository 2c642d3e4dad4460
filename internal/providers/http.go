package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

const maxErrorBodyLen = 500

// mapUpstreamStatus converts a non-2xx provider response into the error
// taxonomy. 429 and 400 are meaningful to clients; everything else
// collapses into unavailability.
func mapUpstreamStatus(status int, body []byte) *UpstreamError {
	detail := errorDetail(body)
	switch status {
	case http.StatusTooManyRequests:
		return &UpstreamError{Kind: KindRateLimited, Detail: detail}
	case http.StatusBadRequest:
		return &UpstreamError{Kind: KindBadRequest, Detail: detail}
	default:
		return &UpstreamError{Kind: KindUnavailable, Detail: detail}
	}
}

// mapTransportError converts client.Do failures. A deadline is always a
// timeout; caller cancellation passes through untouched so the gateway can
// distinguish it from upstream failure.
func mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &UpstreamError{Kind: KindTimeout}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &UpstreamError{Kind: KindUnavailable, Detail: err.Error()}
	}
}

// errorDetail pulls a human-readable message out of a provider error body.
// Both upstreams nest it under "error.message"; fall back to the raw body.
func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}
	return string(body)
}

// readLimited reads at most maxErrorBodyLen+1 bytes for error reporting.
func readLimited(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyLen+1))
	return body
}

// sleepCtx waits d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

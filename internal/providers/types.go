// Package providers translates uniform chat requests into provider wire
// formats and exposes every upstream, streaming or not, as the same lazy
// fragment sequence.
//
// DESIGN: Two adapter variants cover the catalog:
//   - Gemini:     one blocking call, response replayed as paced fragments
//   - Perplexity: native SSE, each delta record becomes one fragment
//
// Callers never learn whether an upstream truly streams; they only ever see
// a FragmentStream.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// Request is the uniform upstream invocation. Defaults are applied by the
// gateway before the adapter sees it.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int

	// Buffered marks an invocation whose caller drains the whole stream
	// before responding. Adapters that pace replayed fragments skip the
	// inter-fragment delay for it.
	Buffered bool
}

// FragmentStream is a pull iterator over provider output text.
// Next returns io.EOF on normal exhaustion and *UpstreamError on upstream
// failure. Close releases the upstream connection and is safe to call on
// every exit path.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// Provider is implemented once per upstream API.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (FragmentStream, error)
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("fragment stream closed")

// =============================================================================
// UPSTREAM ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies upstream failures.
type ErrorKind string

const (
	KindEmptyResponse ErrorKind = "empty_response"
	KindRateLimited   ErrorKind = "rate_limited"
	KindBadRequest    ErrorKind = "bad_request"
	KindTimeout       ErrorKind = "timeout"
	KindUnavailable   ErrorKind = "unavailable"
)

// UpstreamError is any failure originating at a provider API.
type UpstreamError struct {
	Kind   ErrorKind
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream %s", e.Kind)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Detail)
}

// AsUpstreamError unwraps err into an *UpstreamError if it is one.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

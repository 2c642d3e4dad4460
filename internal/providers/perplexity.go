package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/utils"
)

// PerplexityProvider adapts the Perplexity chat completions API, which
// streams natively over SSE. Each parsed delta record becomes one fragment.
// Malformed individual records are skipped; they are per-record loss, not a
// contract violation.
type PerplexityProvider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// PerplexityOption configures the provider.
type PerplexityOption func(*PerplexityProvider)

// WithPerplexityHTTPClient injects the HTTP client.
func WithPerplexityHTTPClient(c *http.Client) PerplexityOption {
	return func(p *PerplexityProvider) { p.client = c }
}

// NewPerplexity creates the Perplexity adapter.
func NewPerplexity(cfg config.ProviderConfig, opts ...PerplexityOption) *PerplexityProvider {
	p := &PerplexityProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client:  &http.Client{},
	}
	if p.timeout == 0 {
		p.timeout = config.DefaultUpstreamTimeout
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PerplexityProvider) Name() string { return "perplexity" }

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityRequest struct {
	Model       string              `json:"model"`
	Messages    []perplexityMessage `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// Invoke opens the streaming upstream connection. The timeout bounds
// connection establishment and response headers: a timer cancels the call
// context if headers have not arrived in time. Once the stream is open the
// timer is stopped and lifetime is governed by ctx (cancelling ctx aborts
// the body reads).
func (p *PerplexityProvider) Invoke(ctx context.Context, req Request) (FragmentStream, error) {
	payload, err := utils.MarshalNoEscape(perplexityRequest{
		Model:       req.Model,
		Messages:    []perplexityMessage{{Role: "user", Content: req.Prompt}},
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal perplexity request: %w", err)
	}

	callCtx, cancelCall := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(p.timeout, cancelCall)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		headerTimer.Stop()
		cancelCall()
		return nil, fmt.Errorf("construct perplexity request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	log.Debug().
		Str("provider", "perplexity").
		Str("model", req.Model).
		Str("api_key", utils.MaskKey(p.apiKey)).
		Msg("upstream call")

	resp, err := p.client.Do(httpReq)
	headersInTime := headerTimer.Stop()
	if err != nil {
		cancelCall()
		if !headersInTime && ctx.Err() == nil {
			return nil, &UpstreamError{Kind: KindTimeout, Detail: "no response headers within " + p.timeout.String()}
		}
		return nil, mapTransportError(err)
	}

	if resp.StatusCode >= 400 {
		body := readLimited(resp.Body)
		_ = resp.Body.Close()
		cancelCall()
		log.Warn().
			Int("status", resp.StatusCode).
			Str("provider", "perplexity").
			Msg("upstream error response")
		return nil, mapUpstreamStatus(resp.StatusCode, body)
	}

	return &sseFragmentStream{body: resp.Body, cancel: cancelCall, read: make([]byte, config.DefaultBufferSize)}, nil
}

// sseFragmentStream incrementally parses newline-delimited "data: {json}"
// records from the upstream body and yields one fragment per content delta.
type sseFragmentStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	buffer  []byte
	read    []byte
	done    bool
	closed  bool
	skipped int
}

func (s *sseFragmentStream) Next() (string, error) {
	if s.closed {
		return "", ErrStreamClosed
	}
	for {
		if s.done {
			return "", io.EOF
		}

		// Drain complete records already buffered before reading more.
		for {
			payload, ok := s.nextRecord()
			if !ok {
				break
			}
			if bytes.Equal(payload, []byte("[DONE]")) {
				s.done = true
				return "", io.EOF
			}
			if !gjson.ValidBytes(payload) {
				// Non-fatal per-record loss.
				s.skipped++
				log.Debug().Int("skipped", s.skipped).Msg("dropping malformed stream record")
				continue
			}
			delta := gjson.GetBytes(payload, "choices.0.delta.content")
			if !delta.Exists() || delta.String() == "" {
				// Role announcements, usage records and keep-alives
				// carry no text.
				continue
			}
			return delta.String(), nil
		}

		n, err := s.body.Read(s.read)
		if n > 0 {
			s.buffer = append(s.buffer, s.read[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				// Upstream closed without [DONE]; treat buffered
				// records as the tail and finish normally.
				s.done = true
				continue
			}
			if ctxErr := contextError(err); ctxErr != nil {
				return "", ctxErr
			}
			return "", &UpstreamError{Kind: KindUnavailable, Detail: err.Error()}
		}
	}
}

// nextRecord extracts the next complete "data:" payload from the buffer.
func (s *sseFragmentStream) nextRecord() ([]byte, bool) {
	for {
		idx := bytes.IndexByte(s.buffer, '\n')
		if idx < 0 {
			return nil, false
		}
		line := bytes.TrimRight(s.buffer[:idx], "\r")
		s.buffer = s.buffer[idx+1:]

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		return payload, true
	}
}

func (s *sseFragmentStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// SkippedRecords reports how many malformed records were dropped.
func (s *sseFragmentStream) SkippedRecords() int { return s.skipped }

// contextError maps body-read failures caused by cancellation or deadline
// back onto the context error taxonomy.
func contextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return &UpstreamError{Kind: KindTimeout}
	default:
		return nil
	}
}

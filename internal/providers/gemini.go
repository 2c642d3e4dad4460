package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/utils"
)

// GeminiProvider adapts the Gemini generateContent API. The upstream does
// not stream in this integration: one blocking call returns the full text,
// which is then replayed as whitespace-delimited fragments with a small
// inter-fragment delay so clients get the same live-typing experience as a
// natively-streaming upstream.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	client     *http.Client
	chunkDelay time.Duration
}

// GeminiOption configures the provider.
type GeminiOption func(*GeminiProvider)

// WithChunkDelay overrides the inter-fragment pacing delay.
// Zero makes replay immediate; tests use this to run deterministically.
func WithChunkDelay(d time.Duration) GeminiOption {
	return func(p *GeminiProvider) { p.chunkDelay = d }
}

// WithGeminiHTTPClient injects the HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(p *GeminiProvider) { p.client = c }
}

// NewGemini creates the Gemini adapter.
func NewGemini(cfg config.ProviderConfig, opts ...GeminiOption) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		timeout:    cfg.Timeout,
		client:     &http.Client{},
		chunkDelay: config.DefaultChunkDelay,
	}
	if p.timeout == 0 {
		p.timeout = config.DefaultUpstreamTimeout
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

// Invoke performs the blocking upstream call and returns a paced fragment
// stream over the response text. The timeout bounds only the call itself;
// fragment pacing is governed by ctx.
func (p *GeminiProvider) Invoke(ctx context.Context, req Request) (FragmentStream, error) {
	payload, err := utils.MarshalNoEscape(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("construct gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	log.Debug().
		Str("provider", "gemini").
		Str("model", req.Model).
		Str("api_key", utils.MaskKey(p.apiKey)).
		Msg("upstream call")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body := readLimited(resp.Body)
		log.Warn().
			Int("status", resp.StatusCode).
			Str("provider", "gemini").
			Msg("upstream error response")
		return nil, mapUpstreamStatus(resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err)
	}
	text := extractGeminiText(body)
	if text == "" {
		return nil, &UpstreamError{Kind: KindEmptyResponse}
	}

	delay := p.chunkDelay
	if req.Buffered {
		delay = 0
	}
	return newPacedStream(ctx, splitFragments(text), delay), nil
}

// extractGeminiText joins the text parts of the first candidate.
func extractGeminiText(body []byte) string {
	var buf bytes.Buffer
	for _, part := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
		buf.WriteString(part.Get("text").String())
	}
	return buf.String()
}

// splitFragments splits text into word fragments. Each fragment is a run of
// non-space runes plus the whitespace that follows it, so concatenating the
// fragments in order reproduces the input exactly.
func splitFragments(s string) []string {
	var frags []string
	var cur bytes.Buffer
	prevSpace := false
	for _, r := range s {
		isSpace := unicode.IsSpace(r)
		if !isSpace && prevSpace && cur.Len() > 0 {
			frags = append(frags, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
		prevSpace = isSpace
	}
	if cur.Len() > 0 {
		frags = append(frags, cur.String())
	}
	return frags
}

// pacedStream replays pre-split fragments with a fixed delay between them.
// It is a scheduled producer rather than a timer tied to the transport, so a
// zero-delay variant drives tests deterministically.
type pacedStream struct {
	ctx       context.Context
	fragments []string
	idx       int
	delay     time.Duration
	closed    bool
}

func newPacedStream(ctx context.Context, fragments []string, delay time.Duration) *pacedStream {
	return &pacedStream{ctx: ctx, fragments: fragments, delay: delay}
}

func (s *pacedStream) Next() (string, error) {
	if s.closed {
		return "", ErrStreamClosed
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.idx >= len(s.fragments) {
		return "", io.EOF
	}
	if s.idx > 0 {
		if err := sleepCtx(s.ctx, s.delay); err != nil {
			return "", err
		}
	}
	frag := s.fragments[s.idx]
	s.idx++
	return frag, nil
}

func (s *pacedStream) Close() error {
	s.closed = true
	return nil
}

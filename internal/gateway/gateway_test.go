package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/monitoring"
	"github.com/promptgate/promptgate/internal/providers"
	"github.com/promptgate/promptgate/internal/quota"
	"github.com/promptgate/promptgate/internal/stream"
)

// fakeStream yields scripted fragments then a scripted terminal error.
type fakeStream struct {
	fragments []string
	idx       int
	final     error
}

func (s *fakeStream) Next() (string, error) {
	if s.idx >= len(s.fragments) {
		if s.final != nil {
			return "", s.final
		}
		return "", io.EOF
	}
	frag := s.fragments[s.idx]
	s.idx++
	return frag, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeProvider returns a fresh fakeStream per call, or an invoke error.
type fakeProvider struct {
	name      string
	fragments []string
	final     error
	invokeErr error
	lastReq   providers.Request
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Invoke(ctx context.Context, req providers.Request) (providers.FragmentStream, error) {
	p.lastReq = req
	if p.invokeErr != nil {
		return nil, p.invokeErr
	}
	return &fakeStream{fragments: p.fragments, final: p.final}, nil
}

type testGateway struct {
	*Gateway
	limiter *quota.Limiter
}

func newTestGateway(t *testing.T, gemini, perplexity providers.Provider) *testGateway {
	t.Helper()

	registry := providers.NewRegistry()
	if gemini != nil {
		registry.Register(gemini)
	}
	if perplexity != nil {
		registry.Register(perplexity)
	}

	limiter := quota.NewLimiter(map[quota.Scope]quota.WindowConfig{
		quota.ScopeGlobal: {Duration: time.Minute, MaxRequests: 1000},
		"gemini":          {Duration: time.Minute, MaxRequests: 1000},
		"perplexity":      {Duration: time.Minute, MaxRequests: 1000},
	})
	t.Cleanup(limiter.Stop)

	events, err := monitoring.OpenEventStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	g := New(config.Default(), registry, limiter, monitoring.NewMetricsCollector(), events)
	return &testGateway{Gateway: g, limiter: limiter}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "prompt-gateway", resp["service"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestModels(t *testing.T) {
	g := newTestGateway(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Models []providers.ModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Models)
}

func TestNonStreamingSuccess(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{name: "gemini", fragments: []string{"Hello ", "world"}}, nil)

	rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)
	assert.Equal(t, "gemini", resp.Provider)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestBufferedFlagFollowsStreamField(t *testing.T) {
	fp := &fakeProvider{name: "gemini", fragments: []string{"hi"}}
	g := newTestGateway(t, fp, nil)

	rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fp.lastReq.Buffered)

	rec = postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi", Stream: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, fp.lastReq.Buffered)
}

func TestStreamingEventSequence(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{name: "gemini", fragments: []string{"a", "b"}}, nil)

	rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi", Stream: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var contents []string
	sawDone := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == stream.DoneSentinel {
			sawDone = true
			continue
		}
		ev, ok := stream.Decode([]byte(payload))
		require.True(t, ok, "undecodable event %q", payload)
		require.Equal(t, stream.EventChunk, ev.Type)
		assert.False(t, sawDone, "chunk after sentinel")
		contents = append(contents, ev.Content)
	}
	assert.Equal(t, []string{"a", "b"}, contents)
	assert.True(t, sawDone)
}

func TestStreamingUpstreamError(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{
		name:      "gemini",
		fragments: []string{"partial"},
		final:     &providers.UpstreamError{Kind: providers.KindUnavailable, Detail: "gone"},
	}, nil)

	rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi", Stream: true})
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"partial"`)
	assert.Contains(t, body, `"error"`)
	assert.NotContains(t, body, stream.DoneSentinel)
}

func TestValidationBeforeQuota(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{name: "gemini"}, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing prompt", ChatRequest{Model: "gemini-2.0-flash"}},
		{"unknown model", ChatRequest{Model: "gpt-4", Prompt: "hi"}},
		{"model from wrong provider", ChatRequest{Model: "sonar", Prompt: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, g.Handler(), "/api/gemini", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestDefaultModelForProviderEndpoint(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{name: "gemini", fragments: []string{"ok"}}, nil)

	rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Prompt: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "gemini-2.0-flash", resp.Model)
}

func TestQuotaDenial(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&fakeProvider{name: "gemini", fragments: []string{"ok"}})

	limiter := quota.NewLimiter(map[quota.Scope]quota.WindowConfig{
		quota.ScopeGlobal: {Duration: time.Minute, MaxRequests: 2},
		"gemini":          {Duration: time.Minute, MaxRequests: 2},
	})
	t.Cleanup(limiter.Stop)

	g := New(config.Default(), registry, limiter, monitoring.NewMetricsCollector(), nil)

	for i := 0; i < 2; i++ {
		rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestUpstreamErrorStatusMapping(t *testing.T) {
	tests := []struct {
		kind   providers.ErrorKind
		status int
	}{
		{providers.KindRateLimited, http.StatusTooManyRequests},
		{providers.KindBadRequest, http.StatusBadRequest},
		{providers.KindTimeout, http.StatusGatewayTimeout},
		{providers.KindUnavailable, http.StatusBadGateway},
		{providers.KindEmptyResponse, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			g := newTestGateway(t, &fakeProvider{
				name:      "gemini",
				invokeErr: &providers.UpstreamError{Kind: tt.kind},
			}, nil)

			rec := postJSON(t, g.Handler(), "/api/gemini", ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi"})
			require.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestChatRoutesByModel(t *testing.T) {
	g := newTestGateway(t,
		&fakeProvider{name: "gemini", fragments: []string{"from gemini"}},
		&fakeProvider{name: "perplexity", fragments: []string{"from perplexity"}})

	rec := postJSON(t, g.Handler(), "/api/chat", ChatRequest{Model: "sonar", Prompt: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "from perplexity", resp.Content)
	assert.Equal(t, "perplexity", resp.Provider)
}

func TestSanitizeModelName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"google prefix", `{"model":"google/gemini-2.0-flash","prompt":"x"}`, "gemini-2.0-flash"},
		{"perplexity prefix", `{"model":"perplexity/sonar","prompt":"x"}`, "sonar"},
		{"no prefix", `{"model":"sonar","prompt":"x"}`, "sonar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := sanitizeModelName([]byte(tt.in))
			var req ChatRequest
			require.NoError(t, json.Unmarshal(out, &req))
			assert.Equal(t, tt.want, req.Model)
			assert.Equal(t, "x", req.Prompt)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatsLoopbackOnly(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "total_requests")

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "203.0.113.9:54321"
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelledRequestEmitsCancelledEvent(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{name: "gemini", fragments: []string{"a"}}, nil)

	payload, err := json.Marshal(ChatRequest{Model: "gemini-2.0-flash", Prompt: "hi", Stream: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already torn down when the stream finishes
	req := httptest.NewRequest(http.MethodPost, "/api/gemini", bytes.NewReader(payload)).WithContext(ctx)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `"cancelled"`)
	assert.NotContains(t, body, stream.DoneSentinel)
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/monitoring"
	"github.com/promptgate/promptgate/internal/providers"
	"github.com/promptgate/promptgate/internal/quota"
)

// ChatRequest is the client-facing request body for all prompt endpoints.
type ChatRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// ChatResponse is the non-streaming success envelope.
type ChatResponse struct {
	Success  bool   `json:"success"`
	Content  string `json:"content"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// sanitizeModelName strips provider prefixes from the model field in the raw
// request body. Handles formats like "google/gemini-2.0-flash" and
// "perplexity/sonar" produced by router-style clients.
func sanitizeModelName(body []byte) []byte {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return body
	}
	for _, prefix := range []string{"google/", "gemini/", "perplexity/", "openai/", "anthropic/"} {
		if strings.HasPrefix(model, prefix) {
			sanitized, err := sjson.SetBytes(body, "model", strings.TrimPrefix(model, prefix))
			if err != nil {
				return body
			}
			return sanitized
		}
	}
	return body
}

// providerHandler serves /api/gemini and /api/perplexity. The provider is
// fixed by the path; the model still comes from the body and defaults to the
// provider's first catalog entry when absent.
func (g *Gateway) providerHandler(providerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.handlePrompt(w, r, providerName)
	}
}

// handleChat serves /api/chat; the provider is resolved from the model name.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	g.handlePrompt(w, r, "")
}

func (g *Gateway) handlePrompt(w http.ResponseWriter, r *http.Request, providerName string) {
	startTime := time.Now()
	requestID := g.getRequestID(r)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}
	body = sanitizeModelName(body)

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	// Validation happens before the quota check so malformed requests do
	// not consume window capacity.
	if req.Model == "" {
		req.Model = defaultModelFor(providerName)
	}
	if req.Prompt == "" {
		g.writeError(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		g.writeError(w, "model is required", http.StatusBadRequest)
		return
	}
	resolvedProvider := providers.ProviderNameForModel(req.Model)
	if resolvedProvider == "" {
		g.writeError(w, fmt.Sprintf("unsupported model %q", req.Model), http.StatusBadRequest)
		return
	}
	if providerName != "" && resolvedProvider != providerName {
		g.writeError(w, fmt.Sprintf("model %q is not served by %s", req.Model, providerName), http.StatusBadRequest)
		return
	}

	identity := quota.Identity(r.RemoteAddr, r.UserAgent())
	decision := g.limiter.AdmitAll(identity, quota.ScopeGlobal, quota.Scope(resolvedProvider))
	if !decision.Allowed {
		g.metrics.RecordQuotaDenial()
		g.recordEvent(monitoring.RequestEvent{
			RequestID: requestID, Model: req.Model, Provider: resolvedProvider, Outcome: "denied",
		})
		retryAfter := int(decision.RetryAfter.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		g.writeError(w, fmt.Sprintf("rate limit exceeded for %s scope, retry in %ds", decision.Scope, retryAfter),
			http.StatusTooManyRequests)
		return
	}

	provider, ok := g.registry.Resolve(req.Model)
	if !ok {
		g.writeError(w, fmt.Sprintf("provider %s is not configured", resolvedProvider), http.StatusServiceUnavailable)
		return
	}

	promptTokens := monitoring.EstimateTokens(req.Prompt)
	g.metrics.RecordPromptTokens(promptTokens)

	invokeReq := providers.Request{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Temperature: config.DefaultTemperature,
		MaxTokens:   req.MaxTokens,
		Buffered:    !req.Stream,
	}
	if req.Temperature != nil {
		invokeReq.Temperature = *req.Temperature
	}
	if invokeReq.MaxTokens <= 0 {
		invokeReq.MaxTokens = config.DefaultMaxTokens
	}

	log.Info().
		Str("request_id", requestID).
		Str("model", req.Model).
		Str("provider", resolvedProvider).
		Bool("stream", req.Stream).
		Int("prompt_tokens", promptTokens).
		Msg("prompt accepted")

	fragments, err := provider.Invoke(r.Context(), invokeReq)
	if err != nil {
		g.metrics.RecordRequest(false)
		outcome := "error"
		if errors.Is(err, context.Canceled) {
			// Client went away before the upstream answered.
			outcome = "cancelled"
			g.metrics.RecordCancelled()
		} else {
			g.metrics.RecordUpstreamError()
			g.writeError(w, upstreamErrorMessage(err), upstreamErrorStatus(err))
		}
		g.recordEvent(monitoring.RequestEvent{
			RequestID: requestID, Model: req.Model, Provider: resolvedProvider, Outcome: outcome,
			Tokens: promptTokens, Duration: time.Since(startTime).Milliseconds(),
		})
		return
	}

	w.Header().Set(HeaderRequestID, requestID)

	var outcome streamOutcome
	if req.Stream {
		outcome = g.streamEvents(w, r, fragments, req.Model, resolvedProvider)
	} else {
		outcome = g.respondBuffered(w, r, fragments, req.Model, resolvedProvider)
	}

	g.metrics.RecordRequest(outcome.kind == "done")
	switch outcome.kind {
	case "error":
		g.metrics.RecordUpstreamError()
	case "cancelled":
		g.metrics.RecordCancelled()
	}
	g.recordEvent(monitoring.RequestEvent{
		RequestID: requestID,
		Model:     req.Model,
		Provider:  resolvedProvider,
		Outcome:   outcome.kind,
		Fragments: outcome.fragments,
		Tokens:    promptTokens,
		Duration:  time.Since(startTime).Milliseconds(),
	})

	log.Info().
		Str("request_id", requestID).
		Str("outcome", outcome.kind).
		Int("fragments", outcome.fragments).
		Dur("duration", time.Since(startTime)).
		Msg("prompt finished")
}

// defaultModelFor picks the provider's first catalog model, or "" when the
// endpoint carries no provider.
func defaultModelFor(providerName string) string {
	if providerName == "" {
		return ""
	}
	for _, m := range providers.Catalog() {
		if m.Provider == providerName {
			return m.ID
		}
	}
	return ""
}

// upstreamErrorStatus maps an upstream failure to the gateway's own status.
func upstreamErrorStatus(err error) int {
	ue, ok := providers.AsUpstreamError(err)
	if !ok {
		return http.StatusBadGateway
	}
	switch ue.Kind {
	case providers.KindRateLimited:
		return http.StatusTooManyRequests
	case providers.KindBadRequest:
		return http.StatusBadRequest
	case providers.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func upstreamErrorMessage(err error) string {
	if ue, ok := providers.AsUpstreamError(err); ok {
		return ue.Error()
	}
	return "upstream request failed"
}

func (g *Gateway) recordEvent(ev monitoring.RequestEvent) {
	if g.events == nil {
		return
	}
	// Telemetry is best-effort; a failed insert never fails the request.
	if err := g.events.Record(context.Background(), ev); err != nil {
		log.Warn().Err(err).Msg("failed to record request event")
	}
}

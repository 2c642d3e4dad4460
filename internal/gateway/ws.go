package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/monitoring"
	"github.com/promptgate/promptgate/internal/providers"
	"github.com/promptgate/promptgate/internal/quota"
	"github.com/promptgate/promptgate/internal/stream"
)

// handleWebSocket serves one prompt per connection. The client sends a single
// ChatRequest as a text message; the gateway answers with the same event
// sequence the SSE endpoints produce, one JSON event per message, ending with
// the [DONE] sentinel, then closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := g.getRequestID(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	readCtx, cancelRead := context.WithTimeout(ctx, 30*time.Second)
	_, payload, err := conn.Read(readCtx)
	cancelRead()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected a request message")
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(sanitizeModelName(payload), &req); err != nil || req.Prompt == "" || req.Model == "" {
		g.wsEmit(ctx, conn, stream.Event{Type: stream.EventError, Message: "invalid request"})
		_ = conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}

	providerName := providers.ProviderNameForModel(req.Model)
	if providerName == "" {
		g.wsEmit(ctx, conn, stream.Event{Type: stream.EventError, Message: "unsupported model"})
		_ = conn.Close(websocket.StatusUnsupportedData, "unsupported model")
		return
	}

	identity := quota.Identity(r.RemoteAddr, r.UserAgent())
	if decision := g.limiter.AdmitAll(identity, quota.ScopeGlobal, quota.Scope(providerName)); !decision.Allowed {
		g.metrics.RecordQuotaDenial()
		g.wsEmit(ctx, conn, stream.Event{Type: stream.EventError, Message: "rate limit exceeded"})
		_ = conn.Close(websocket.StatusTryAgainLater, "rate limit exceeded")
		return
	}

	provider, ok := g.registry.Resolve(req.Model)
	if !ok {
		g.wsEmit(ctx, conn, stream.Event{Type: stream.EventError, Message: "provider not configured"})
		_ = conn.Close(websocket.StatusInternalError, "provider not configured")
		return
	}

	invokeReq := providers.Request{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Temperature: config.DefaultTemperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Temperature != nil {
		invokeReq.Temperature = *req.Temperature
	}
	if invokeReq.MaxTokens <= 0 {
		invokeReq.MaxTokens = config.DefaultMaxTokens
	}

	startTime := time.Now()
	fragments, err := provider.Invoke(ctx, invokeReq)
	if err != nil {
		g.metrics.RecordRequest(false)
		g.metrics.RecordUpstreamError()
		g.wsEmit(ctx, conn, stream.Event{Type: stream.EventError, Message: upstreamErrorMessage(err)})
		_ = conn.Close(websocket.StatusInternalError, "upstream failed")
		return
	}
	defer func() { _ = fragments.Close() }()

	outcome := streamOutcome{}
	for {
		frag, err := fragments.Next()
		if err == nil {
			g.wsEmit(ctx, conn, stream.Event{Type: stream.EventChunk, Content: frag, Model: req.Model, Provider: providerName})
			g.metrics.RecordFragment(len(frag))
			outcome.fragments++
			continue
		}
		switch {
		case err == io.EOF && ctx.Err() != nil:
			outcome.kind = "cancelled"
			g.wsEmit(ctx, conn, stream.Event{Type: stream.EventCancelled, Message: "request cancelled"})
		case err == io.EOF:
			outcome.kind = "done"
			_ = conn.Write(ctx, websocket.MessageText, []byte(stream.DoneSentinel))
		case errors.Is(err, context.Canceled):
			outcome.kind = "cancelled"
			g.wsEmit(ctx, conn, stream.Event{Type: stream.EventCancelled, Message: "request cancelled"})
		default:
			outcome.kind = "error"
			g.wsEmit(ctx, conn, stream.Event{Type: stream.EventError, Message: upstreamErrorMessage(err)})
		}
		break
	}

	g.metrics.RecordRequest(outcome.kind == "done")
	if outcome.kind == "cancelled" {
		g.metrics.RecordCancelled()
	}
	g.recordEvent(monitoring.RequestEvent{
		RequestID: requestID,
		Model:     req.Model,
		Provider:  providerName,
		Outcome:   outcome.kind,
		Fragments: outcome.fragments,
		Duration:  time.Since(startTime).Milliseconds(),
	})

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// wsEmit writes one event. The write context is detached from the request
// context so a terminal cancelled event can still reach a client whose
// request context was torn down while the connection is alive.
func (g *Gateway) wsEmit(_ context.Context, conn *websocket.Conn, ev stream.Event) {
	payload, err := ev.Encode()
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageText, payload)
}

// HTTP surface for the prompt gateway.
//
// Request flow:
//   - handleProvider():  /api/gemini and /api/perplexity, provider fixed by path
//   - handleChat():      /api/chat, provider resolved from the model name
//   - streamEvents():    SSE delivery of the fragment stream
//   - respondBuffered(): non-streaming JSON response
//
// Also includes health check, model catalog, stats, and the WebSocket bridge.
package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/monitoring"
	"github.com/promptgate/promptgate/internal/providers"
	"github.com/promptgate/promptgate/internal/quota"
)

// HeaderRequestID carries the client-assigned request ID, if any.
const HeaderRequestID = "X-Request-ID"

// Gateway routes prompt requests to provider adapters.
type Gateway struct {
	cfg      *config.Config
	registry *providers.Registry
	limiter  *quota.Limiter
	metrics  *monitoring.MetricsCollector
	events   *monitoring.EventStore
	mux      *http.ServeMux
}

// New assembles the gateway. events may be nil when telemetry is disabled.
func New(cfg *config.Config, registry *providers.Registry, limiter *quota.Limiter,
	metrics *monitoring.MetricsCollector, events *monitoring.EventStore) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		metrics:  metrics,
		events:   events,
		mux:      http.NewServeMux(),
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("/health", g.handleHealth)
	g.mux.HandleFunc("/api/models", g.handleModels)
	g.mux.HandleFunc("/api/gemini", g.providerHandler("gemini"))
	g.mux.HandleFunc("/api/perplexity", g.providerHandler("perplexity"))
	g.mux.HandleFunc("/api/chat", g.handleChat)
	g.mux.HandleFunc("/ws/chat", g.handleWebSocket)
	g.mux.HandleFunc("/stats", g.handleStats)
}

// Handler returns the root handler with recovery wrapping.
func (g *Gateway) Handler() http.Handler {
	return g.recoverPanics(g.mux)
}

func (g *Gateway) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				g.writeError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "prompt-gateway",
	})
}

// handleModels returns the supported model catalog.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"models": providers.Catalog(),
	})
}

// getRequestID gets or generates a request ID.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

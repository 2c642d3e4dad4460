// Package gateway - stats.go exposes aggregated metrics as JSON.
//
// GET /stats returns operational counters plus per-model usage from the
// event store.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/promptgate/promptgate/internal/monitoring"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime  string `json:"uptime"`
	Gateway struct {
		TotalRequests      int64 `json:"total_requests"`
		SuccessfulRequests int64 `json:"successful_requests"`
		QuotaDenials       int64 `json:"quota_denials"`
		UpstreamErrors     int64 `json:"upstream_errors"`
		Cancelled          int64 `json:"cancelled"`
	} `json:"gateway"`

	Streaming struct {
		Fragments       int64 `json:"fragments"`
		StreamedBytes   int64 `json:"streamed_bytes"`
		EstimatedTokens int64 `json:"estimated_tokens"`
	} `json:"streaming"`

	Usage []monitoring.ModelUsage `json:"usage,omitempty"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var resp StatsResponse
	resp.Uptime = time.Since(g.metrics.StartedAt()).Truncate(time.Second).String()

	stats := g.metrics.Stats()
	resp.Gateway.TotalRequests = stats["requests"]
	resp.Gateway.SuccessfulRequests = stats["successes"]
	resp.Gateway.QuotaDenials = stats["quota_denials"]
	resp.Gateway.UpstreamErrors = stats["upstream_errors"]
	resp.Gateway.Cancelled = stats["cancelled"]
	resp.Streaming.Fragments = stats["fragments"]
	resp.Streaming.StreamedBytes = stats["streamed_bytes"]
	resp.Streaming.EstimatedTokens = stats["estimated_tokens"]

	if g.events != nil {
		usage, err := g.events.UsageByModel(r.Context(), time.Now().AddDate(0, 0, -1))
		if err == nil {
			resp.Usage = usage
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

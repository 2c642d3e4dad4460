// Package monitoring - metrics.go provides simple counters.
//
// Lightweight in-memory counters for operational metrics:
//   - requests/successes:  Total and successful request counts
//   - fragments:           Stream fragments delivered to clients
//   - quota_denials:       Requests rejected by the rate limiter
//   - upstream_errors:     Provider calls that failed
//   - cancelled:           Streams aborted by the client
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests       atomic.Int64
	successes      atomic.Int64
	quotaDenials   atomic.Int64
	upstreamErrors atomic.Int64
	cancelled      atomic.Int64

	// Stream counters
	fragments       atomic.Int64
	streamedBytes   atomic.Int64
	estimatedTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequest records a request.
func (mc *MetricsCollector) RecordRequest(success bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordQuotaDenial records a request rejected by the rate limiter.
func (mc *MetricsCollector) RecordQuotaDenial() { mc.quotaDenials.Add(1) }

// RecordUpstreamError records a failed provider call.
func (mc *MetricsCollector) RecordUpstreamError() { mc.upstreamErrors.Add(1) }

// RecordCancelled records a stream aborted by the client.
func (mc *MetricsCollector) RecordCancelled() { mc.cancelled.Add(1) }

// RecordFragment records one delivered stream fragment.
func (mc *MetricsCollector) RecordFragment(bytes int) {
	mc.fragments.Add(1)
	mc.streamedBytes.Add(int64(bytes))
}

// RecordPromptTokens records the estimated token count of an accepted prompt.
func (mc *MetricsCollector) RecordPromptTokens(n int) {
	mc.estimatedTokens.Add(int64(n))
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":         mc.requests.Load(),
		"successes":        mc.successes.Load(),
		"quota_denials":    mc.quotaDenials.Load(),
		"upstream_errors":  mc.upstreamErrors.Load(),
		"cancelled":        mc.cancelled.Load(),
		"fragments":        mc.fragments.Load(),
		"streamed_bytes":   mc.streamedBytes.Load(),
		"estimated_tokens": mc.estimatedTokens.Load(),
	}
}

// Summary returns a human-readable one-line summary for logs.
func (mc *MetricsCollector) Summary() string {
	requests := mc.requests.Load()
	successes := mc.successes.Load()
	var rate float64
	if requests > 0 {
		rate = float64(successes) / float64(requests) * 100
	}
	return fmt.Sprintf("requests=%d successes=%d (%.1f%%) fragments=%d denials=%d",
		requests, successes, rate, mc.fragments.Load(), mc.quotaDenials.Load())
}

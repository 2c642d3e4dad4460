// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// QUOTA WINDOWS
// =============================================================================

// DefaultQuotaWindow is the duration of one rate-limit window.
const DefaultQuotaWindow = 15 * time.Minute

// DefaultGlobalMaxRequests is the per-identity cap across all providers.
const DefaultGlobalMaxRequests = 100

// DefaultGeminiMaxRequests is the per-identity cap for the Gemini upstream.
const DefaultGeminiMaxRequests = 50

// DefaultPerplexityMaxRequests is the per-identity cap for the Perplexity upstream.
const DefaultPerplexityMaxRequests = 30

// =============================================================================
// UPSTREAM CALLS
// =============================================================================

// DefaultUpstreamTimeout bounds one blocking upstream call.
const DefaultUpstreamTimeout = 30 * time.Second

// DefaultChunkDelay is the inter-fragment delay used to simulate
// incremental delivery for upstreams that do not stream natively.
const DefaultChunkDelay = 50 * time.Millisecond

// DefaultTemperature is applied when the client omits temperature.
const DefaultTemperature = 0.7

// DefaultMaxTokens is applied when the client omits maxTokens.
const DefaultMaxTokens = 2048

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultServerPort is the gateway listen port.
const DefaultServerPort = 8787

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (1MB).
// Chat requests carry a single prompt; anything larger is abuse.
const MaxRequestBodySize = 1 << 20

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownGrace is the graceful-shutdown budget.
const DefaultShutdownGrace = 10 * time.Second

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token,
// used when no exact encoding is available for a model.
const TokenEstimateRatio = 4

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

// DefaultMaxHistoryMessages caps the in-memory conversation ring.
const DefaultMaxHistoryMessages = 20

// =============================================================================
// LIMITER MAINTENANCE
// =============================================================================

// DefaultLimiterCleanupInterval is the frequency for pruning idle
// quota windows.
const DefaultLimiterCleanupInterval = 5 * time.Minute

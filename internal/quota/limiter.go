// Package quota enforces per-identity request caps over fixed time windows.
//
// DESIGN: One Limiter holds an independent window per scope ("global" plus
// one scope per provider). Each admission check is a single
// read-increment-compare under the limiter mutex; windows reset lazily when
// their duration elapses. Scopes are evaluated conjunctively by the caller:
// a request must pass every applicable scope.
//
// Keying combines the client's network origin with a coarse user-agent
// fingerprint. This is best-effort abuse damping, not a security
// boundary; there is no caller authentication upstream of it.
package quota

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/promptgate/promptgate/internal/config"
)

// Scope names one independently-tracked quota dimension.
type Scope string

// ScopeGlobal is the cross-provider scope every request passes through.
const ScopeGlobal Scope = "global"

// WindowConfig describes one scope's window.
type WindowConfig struct {
	Duration    time.Duration
	MaxRequests int
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Scope   Scope
	// RetryAfter is how long until the denying window resets.
	// Zero when Allowed.
	RetryAfter time.Duration
}

type window struct {
	cfg    WindowConfig
	start  time.Time
	counts map[string]int
}

// Limiter tracks request counts per identity per scope.
type Limiter struct {
	mu      sync.Mutex
	windows map[Scope]*window
	now     func() time.Time

	stop chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter with one window per configured scope.
// A background goroutine prunes idle identities; call Stop to release it.
func NewLimiter(scopes map[Scope]WindowConfig, opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[Scope]*window, len(scopes)),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	start := l.now()
	for scope, cfg := range scopes {
		l.windows[scope] = &window{cfg: cfg, start: start, counts: make(map[string]int)}
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Admit records one request for identity in the given scope and reports
// whether it stays within the scope's cap. Unknown scopes always admit.
func (l *Limiter) Admit(identity string, scope Scope) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[scope]
	if !ok {
		return Decision{Allowed: true, Scope: scope}
	}

	now := l.now()
	if now.Sub(w.start) >= w.cfg.Duration {
		w.start = now
		w.counts = make(map[string]int)
	}

	w.counts[identity]++
	if w.counts[identity] > w.cfg.MaxRequests {
		retry := w.cfg.Duration - now.Sub(w.start)
		log.Debug().
			Str("identity", identity).
			Str("scope", string(scope)).
			Int("count", w.counts[identity]).
			Msg("quota denied")
		return Decision{Allowed: false, Scope: scope, RetryAfter: retry}
	}
	return Decision{Allowed: true, Scope: scope}
}

// AdmitAll checks every scope in order and returns the first denial, or an
// allowing decision when all scopes pass. Scopes are conjunctive: a denial
// in any scope denies the request. Earlier scopes still count the attempt,
// matching stacked middleware behavior.
func (l *Limiter) AdmitAll(identity string, scopes ...Scope) Decision {
	for _, scope := range scopes {
		if d := l.Admit(identity, scope); !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true}
}

// cleanup periodically drops count tables for windows that have expired,
// so identities seen once do not accumulate forever.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(config.DefaultLimiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for _, w := range l.windows {
				if now.Sub(w.start) >= w.cfg.Duration {
					w.start = now
					w.counts = make(map[string]int)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Identity derives a rate-limit key from the request's remote address and
// user agent. Only the product token of the agent is used so version churn
// does not mint fresh identities, while one origin cannot reset its count
// by changing a single signal.
func Identity(remoteAddr, userAgent string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	agent := userAgent
	if idx := strings.IndexAny(agent, " /"); idx > 0 {
		agent = agent[:idx]
	}
	if agent == "" {
		agent = "unknown"
	}
	return host + "|" + strings.ToLower(agent)
}

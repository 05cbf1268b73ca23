// Package api provides the HTTP gateway for governed retrieval.
package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/infiligence/governed-rag/internal/audit"
	"github.com/infiligence/governed-rag/internal/auth"
	"github.com/infiligence/governed-rag/internal/config"
	"github.com/infiligence/governed-rag/internal/redact"
	"github.com/infiligence/governed-rag/internal/repository"
	"github.com/infiligence/governed-rag/internal/retriever"
	"github.com/infiligence/governed-rag/internal/session"
	"github.com/infiligence/governed-rag/internal/telemetry"
)

// claimsKey is the gin context key for verified token claims.
const claimsKey = "auth_claims"

// gatewayMethods is every verb the gateway serves; preflight answers list
// exactly these.
const gatewayMethods = "GET, POST, OPTIONS"

// RouterDeps holds dependencies for router initialization.
type RouterDeps struct {
	Store     repository.Store
	Tokens    *auth.TokenManager
	Sessions  session.Store
	Retriever *retriever.Retriever
	Policy    retriever.Evaluator
	Redactor  *redact.Redactor
	Ledger    *audit.Ledger
	Telemetry *telemetry.Provider
	// StopRateLimiter is set by NewRouter. Call it during graceful shutdown to
	// stop the throttle's background sweep goroutine.
	StopRateLimiter func()
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.Config, deps *RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	// Safe default: do not trust any proxy headers (X-Forwarded-For, etc.)
	// Production should configure trusted proxy CIDRs explicitly.
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	r.Use(securityHeaders())
	r.Use(func(c *gin.Context) {
		// Queries and export requests are small; anything past 1MB is abuse.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	if deps.Telemetry != nil {
		httpMetrics, err := telemetry.NewHTTPMetrics(deps.Telemetry.Meter())
		if err != nil {
			log.Warn().Err(err).Msg("http metrics disabled")
		} else {
			r.Use(httpMetrics.Middleware(deps.Telemetry.Tracer()))
		}
	}

	h := NewHandlers(cfg, deps)

	// Health check
	r.GET("/health", h.Health)

	throttle := newSubjectThrottle(100, time.Minute)
	// Wire Stop() into deps so callers can halt the sweep goroutine on shutdown.
	deps.StopRateLimiter = throttle.Stop

	inflight := newInFlightLimiter(cfg.Server.MaxInFlight)

	// Token issuance stands in for the identity provider; it is the only
	// unauthenticated mutation and is throttled by client address.
	r.POST("/auth/token", rateLimitMiddleware(throttle), h.IssueToken)

	authed := r.Group("/")
	// Middleware order: Auth → Throttle → Back-pressure so that:
	// 1. Unauthenticated requests are rejected before consuming throttle budget.
	// 2. The throttle keys on the verified subject, not the client address.
	// 3. Saturation is answered with a retriable 503 instead of unbounded queueing.
	authed.Use(h.AuthMiddleware())
	authed.Use(rateLimitMiddleware(throttle))
	authed.Use(inflight.middleware())
	{
		authed.POST("/search", h.Search)
		authed.POST("/auth/step-up", h.StepUp)
		authed.POST("/export", h.Export)
		authed.GET("/audit/:subject_id", h.ReadAudit)
	}

	return r
}

// inFlightLimiter rejects requests beyond a fixed concurrency bound. This is
// the gateway's back-pressure: saturation surfaces as a retriable 503 rather
// than queueing unboundedly in front of the store pool.
type inFlightLimiter struct {
	slots chan struct{}
}

func newInFlightLimiter(n int) *inFlightLimiter {
	if n <= 0 {
		n = 64
	}
	return &inFlightLimiter{slots: make(chan struct{}, n)}
}

func (l *inFlightLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case l.slots <- struct{}{}:
			defer func() { <-l.slots }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":     "server saturated",
				"retriable": true,
			})
		}
	}
}

// subjectThrottle bounds request volume per caller over a rolling window.
// Keys are verified subject ids on authenticated routes and client addresses
// on the token endpoint, so one principal cannot starve others sharing a NAT.
type subjectThrottle struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	done   chan struct{}
}

func newSubjectThrottle(limit int, window time.Duration) *subjectThrottle {
	st := &subjectThrottle{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		done:   make(chan struct{}),
	}
	go st.sweep()
	return st
}

// Stop terminates the sweep goroutine.
func (st *subjectThrottle) Stop() {
	close(st.done)
}

// take records one hit for key and reports whether it fits the window budget.
func (st *subjectThrottle) take(key string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	recent := pruneBefore(st.hits[key], now.Add(-st.window))
	if len(recent) >= st.limit {
		st.hits[key] = recent
		return false
	}
	st.hits[key] = append(recent, now)
	return true
}

// sweep evicts idle keys so the hit map does not grow with subject churn.
func (st *subjectThrottle) sweep() {
	ticker := time.NewTicker(st.window)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-st.window)
			st.mu.Lock()
			for key, stamps := range st.hits {
				recent := pruneBefore(stamps, cutoff)
				if len(recent) == 0 {
					delete(st.hits, key)
					continue
				}
				st.hits[key] = recent
			}
			st.mu.Unlock()
		}
	}
}

// pruneBefore drops timestamps at or before cutoff, preserving order.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func rateLimitMiddleware(st *subjectThrottle) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "addr:" + c.ClientIP()
		if cl := claims(c); cl != nil {
			key = "sub:" + cl.Subject
		}

		if !st.take(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// securityHeaders hardens every response. The gateway serves JSON carrying
// governed fragment text, so responses are never cacheable, framable, or
// sniffable.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// Middleware

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			if matched, wildcard := matchOrigin(allowedOrigins, origin); matched {
				if wildcard {
					c.Header("Access-Control-Allow-Origin", "*")
				} else {
					c.Header("Access-Control-Allow-Origin", origin)
					c.Header("Access-Control-Allow-Credentials", "true")
					c.Header("Vary", "Origin")
				}
				c.Header("Access-Control-Allow-Methods", gatewayMethods)
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
				c.Header("Access-Control-Max-Age", "86400")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// matchOrigin reports whether origin is admitted and whether it matched the
// wildcard entry.
func matchOrigin(allowed []string, origin string) (bool, bool) {
	for _, o := range allowed {
		if o == "*" {
			return true, true
		}
		if o == origin {
			return true, false
		}
	}
	return false, false
}

// AuthMiddleware verifies the bearer token and stores its claims. Failed
// authentications are not individually audited; a sampled log line stands in
// for the aggregated counter.
func (h *Handlers) AuthMiddleware() gin.HandlerFunc {
	sampled := log.Sample(&zerologBurstSampler)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		cl, err := h.tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			sampled.Warn().Err(err).Msg("token verification failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(claimsKey, cl)
		c.Next()
	}
}

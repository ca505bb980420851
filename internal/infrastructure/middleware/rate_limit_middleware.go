package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"wanderlink/pkg/config"
	apperrors "wanderlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL bounds how long an idle client's limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// Probe and scrape endpoints are never limited: an orchestrator polling
// /ready must not starve the UI shell or get throttled itself.
var unlimitedPaths = []string{"/health", "/ready", "/metrics"}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one token bucket per client address.
type clientLimiters struct {
	mu        sync.Mutex
	byClient  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		byClient: make(map[string]*clientLimiter),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// allow reports whether client may proceed. Idle entries are evicted lazily.
func (l *clientLimiters) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, e := range l.byClient {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.byClient, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.byClient[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byClient[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byClient)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isUnlimited(path string) bool {
	for _, p := range unlimitedPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// NewHTTPRateLimitMiddleware limits control API requests per client address
// and optionally caps requests in flight. The websocket upgrade counts as one
// request; messages on it are limited by the event hub.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return newRateLimiter(cfg, newClientLimiters(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	))
}

func newRateLimiter(cfg *config.Config, limiters *clientLimiters) gin.HandlerFunc {
	var inFlight chan struct{}
	if n := cfg.RateLimiting.HTTP.MaxConcurrent; n > 0 {
		inFlight = make(chan struct{}, n)
	}

	return func(c *gin.Context) {
		if isUnlimited(c.Request.URL.Path) {
			c.Next()
			return
		}

		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWith(c, apperrors.NewAppError(apperrors.ErrCodeServiceUnavailable, "too many concurrent requests", http.StatusServiceUnavailable))
				return
			}
		}

		if !limiters.allow(remoteHost(c.Request)) {
			c.Header("Retry-After", "1")
			abortWith(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/dibya/sundayclinic/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops a caller's limiter after this long without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type caller struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// callerLimits keeps one limiter per caller key. Idle callers are swept
// lazily, at most once per IdleTTL.
type callerLimits struct {
	mu        sync.Mutex
	callers   map[string]*caller
	limit     rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newCallerLimits(cfg RateLimitConfig, now func() time.Time) *callerLimits {
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &callerLimits{
		callers:   make(map[string]*caller),
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.BurstSize,
		idle:      idle,
		now:       now,
		lastSweep: now(),
	}
}

// take spends one token for key. When none is left it reports how long
// the caller should wait.
func (l *callerLimits) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, c := range l.callers {
			if now.Sub(c.lastSeen) >= l.idle {
				delete(l.callers, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.callers[key]
	if !ok {
		c = &caller{lim: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.lastSeen = now
	if c.lim.AllowN(now, 1) {
		return true, 0
	}

	r := c.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

func (l *callerLimits) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

// RateLimit limits requests per signed-in user, or per client IP when the
// request carries no actor. Mount it after authentication so signed-in
// users are keyed by id.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newCallerLimits(cfg, time.Now), cfg)
}

func rateLimit(limits *callerLimits, cfg RateLimitConfig) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			ok, wait := limits.take(key)
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "Terlalu banyak permintaan, coba lagi sebentar")
			}
			return next(c)
		}
	}
}

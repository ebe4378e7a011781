package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/config"
	"github.com/use-agent/selfheal/models"
	"golang.org/x/time/rate"
)

const (
	limiterIdle = time.Hour
	sweepEvery  = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiters holds one token bucket per caller identity.
type limiters struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	limit rate.Limit
	burst int
}

func newLimiters(cfg config.RateLimitConfig) *limiters {
	return &limiters{
		m:     make(map[string]*limiterEntry),
		limit: rate.Limit(cfg.RequestsPerSecond),
		burst: cfg.Burst,
	}
}

func (l *limiters) get(id string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[id]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.m[id] = e
	}
	e.lastSeen = now
	return e.limiter
}

// sweep drops identities idle since before cutoff and reports how many.
func (l *limiters) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, id)
			n++
		}
	}
	return n
}

// RateLimit returns per-identity (API key or IP) token-bucket rate limiting
// middleware powered by golang.org/x/time/rate. Identities idle for an hour
// are swept every five minutes until ctx is done.
func RateLimit(ctx context.Context, cfg config.RateLimitConfig) gin.HandlerFunc {
	l := newLimiters(cfg)

	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.sweep(now.Add(-limiterIdle))
			}
		}
	}()

	return func(c *gin.Context) {
		id := c.GetString(ContextKeyAPIKey)
		if id == "" {
			id = c.ClientIP()
		}

		r := l.get(id, time.Now()).Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			abort(c, http.StatusTooManyRequests, models.ErrCodeRateLimited, "rate limit exceeded, please slow down")
			return
		}
		c.Next()
	}
}

package access

import (
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/vladtop46/webproxy/internal/config"
)

const (
	limiterIdleExpiry = 10 * time.Minute
	limiterSweep      = 5 * time.Minute
)

// Limiter hands out one token bucket per client IP. Buckets that are not
// used for limiterIdleExpiry are dropped.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *gocache.Cache
}

// NewLimiter returns nil when cfg disables limiting. A nil *Limiter allows
// everything.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	if cfg.PerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = int(math.Max(1, math.Ceil(cfg.PerSecond)))
	}
	return &Limiter{
		limit:   rate.Limit(cfg.PerSecond),
		burst:   burst,
		buckets: gocache.New(limiterIdleExpiry, limiterSweep),
	}
}

// Allow consumes one token for ip.
func (l *Limiter) Allow(ip string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.buckets.Get(ip); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-setting refreshes the idle expiry.
	l.buckets.SetDefault(ip, lim)
	l.mu.Unlock()

	return lim.Allow()
}

// tracked returns the number of client buckets currently held.
func (l *Limiter) tracked() int {
	if l == nil {
		return 0
	}
	return l.buckets.ItemCount()
}

package producer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMinGap = 60 * time.Second

// cooldownRegistry enforces the per-(type,ticker) min_gap (spec §4.2 rule
// 2) with one golang.org/x/time/rate limiter per key, each allowing
// exactly one token per min_gap — a scan whose previous publish for the
// same key was within min_gap is dropped.
type cooldownRegistry struct {
	mu       sync.Mutex
	minGap   time.Duration
	limiters map[string]*rate.Limiter
}

func newCooldownRegistry(minGap time.Duration) *cooldownRegistry {
	if minGap <= 0 {
		minGap = defaultMinGap
	}
	return &cooldownRegistry{minGap: minGap, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a publish for (signalType, ticker) is permitted
// right now, consuming the token if so.
func (c *cooldownRegistry) Allow(signalType, ticker string) bool {
	key := signalType + "|" + ticker
	c.mu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.minGap), 1)
		c.limiters[key] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

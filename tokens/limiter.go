package tokens

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet holds one token-bucket limiter per key (here, a token prefix),
// created lazily on first use.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

// Allow reports whether an event for key may proceed under its limiter.
func (s *limiterSet) Allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.r, s.burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()

	return l.Allow()
}

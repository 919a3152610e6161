package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter tracks one client's token bucket
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps a token bucket per client key. A window of n requests
// per w becomes a refill rate of n/w with a burst of n.
type limiterSet struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newLimiterSet(requests int, window time.Duration) *limiterSet {
	return &limiterSet{
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		idle:    window,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow spends one token for key
func (s *limiterSet) Allow(key string, now time.Time) bool {
	s.mu.Lock()
	c, ok := s.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = c
	}
	c.lastSeen = now
	s.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than a full window. A forgotten
// client's bucket would have refilled completely anyway.
func (s *limiterSet) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.clients {
		if now.Sub(c.lastSeen) > s.idle {
			delete(s.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (s *limiterSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

package anomaly

import (
	"sync"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// Scorer keeps ServiceStats per service and scores events against them.
// The lock covers only map lookup and store; callers guarantee a single
// writer per service.
type Scorer struct {
	cfg   Config
	mu    sync.Mutex
	stats map[string]ServiceStats
}

// NewScorer creates a scorer with an empty registry
func NewScorer(cfg Config) *Scorer {
	return &Scorer{
		cfg:   cfg.withDefaults(),
		stats: make(map[string]ServiceStats),
	}
}

// Update is the stats a scored event would leave behind for its service
type Update struct {
	Service string
	Stats   ServiceStats
}

// Score scores event and records the updated stats for its service
func (s *Scorer) Score(event types.LogEvent) Result {
	res, u := s.Evaluate(event)
	s.Commit(u)
	return res
}

// Evaluate scores event without changing the registry. Pass the update to
// Commit once the event is known to count.
func (s *Scorer) Evaluate(event types.LogEvent) (Result, Update) {
	s.mu.Lock()
	stats := s.stats[event.Service]
	s.mu.Unlock()

	res, next := Score(s.cfg, event, stats)
	return res, Update{Service: event.Service, Stats: next}
}

// Commit records the stats from a previous Evaluate
func (s *Scorer) Commit(u Update) {
	s.mu.Lock()
	s.stats[u.Service] = u.Stats
	s.mu.Unlock()
}

// Stats returns a snapshot of the stats for service
func (s *Scorer) Stats(service string) (ServiceStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[service]
	return st, ok
}

// Services returns the number of services tracked
func (s *Scorer) Services() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stats)
}

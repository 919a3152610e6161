// Package anomaly scores log events against per-service running statistics.
//
// Two signals are tracked: a latency z-score built on Welford's online mean
// and variance, and an exponentially weighted error rate. Both compare the
// incoming event against the state accumulated before it, then fold the event
// in. Scoring is deterministic and performs no I/O.
package anomaly

import (
	"math"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// Signal names which detector flagged an event
type Signal string

const (
	SignalNone      Signal = ""
	SignalLatency   Signal = "latency"
	SignalErrorRate Signal = "error_rate"
)

// Config holds scorer thresholds
type Config struct {
	ZThreshold      float64
	WarmupSamples   int
	Epsilon         float64
	ErrorDecay      float64
	ErrorMultiplier float64
	ErrorRateFloor  float64
	MaxScore        float64
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		ZThreshold:      3.0,
		WarmupSamples:   20,
		Epsilon:         1e-9,
		ErrorDecay:      0.1,
		ErrorMultiplier: 2.0,
		ErrorRateFloor:  0.05,
		MaxScore:        10,
	}
}

// withDefaults fills unset fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ZThreshold <= 0 {
		c.ZThreshold = d.ZThreshold
	}
	if c.WarmupSamples <= 0 {
		c.WarmupSamples = d.WarmupSamples
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.ErrorDecay <= 0 || c.ErrorDecay > 1 {
		c.ErrorDecay = d.ErrorDecay
	}
	if c.ErrorMultiplier <= 0 {
		c.ErrorMultiplier = d.ErrorMultiplier
	}
	if c.ErrorRateFloor <= 0 {
		c.ErrorRateFloor = d.ErrorRateFloor
	}
	if c.MaxScore <= 0 {
		c.MaxScore = d.MaxScore
	}
	return c
}

// ServiceStats is the running state for one service
type ServiceStats struct {
	// Welford accumulators over latency samples only
	Count int64
	Mean  float64
	M2    float64

	ErrorEWMA float64
	Events    int64
}

// Variance returns the population variance of the latency samples
func (s ServiceStats) Variance() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.M2 / float64(s.Count)
}

// StdDev returns the population standard deviation of the latency samples
func (s ServiceStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// addLatency folds x into the Welford state. A sample that would leave Mean
// or M2 non-finite is dropped and ok is false.
func (s ServiceStats) addLatency(x float64) (next ServiceStats, ok bool) {
	next = s
	next.Count++
	delta := x - next.Mean
	next.Mean += delta / float64(next.Count)
	next.M2 += delta * (x - next.Mean)
	if !finite(next.Mean) || !finite(next.M2) {
		return s, false
	}
	return next, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Result is the outcome of scoring one event
type Result struct {
	Score      float64
	IsAnomaly  bool
	LatencyZ   float64
	ErrorRatio float64
	Signal     Signal
}

// Score evaluates event against stats and returns the result together with
// the updated stats. The input stats are not modified.
func Score(cfg Config, event types.LogEvent, stats ServiceStats) (Result, ServiceStats) {
	cfg = cfg.withDefaults()

	var (
		res        Result
		latencyHit bool
		errorHit   bool
	)

	if event.LatencyMS != nil && finite(*event.LatencyMS) {
		x := *event.LatencyMS
		if stats.Count >= int64(cfg.WarmupSamples) {
			sigma := math.Max(stats.StdDev(), cfg.Epsilon)
			res.LatencyZ = (x - stats.Mean) / sigma
			latencyHit = math.Abs(res.LatencyZ) > cfg.ZThreshold
		}
		stats, _ = stats.addLatency(x)
	}

	var rate float64
	if event.Level == types.LevelError {
		rate = 1
	}
	if stats.ErrorEWMA > cfg.ErrorRateFloor {
		res.ErrorRatio = rate / stats.ErrorEWMA
		errorHit = res.ErrorRatio > cfg.ErrorMultiplier
	}
	stats.ErrorEWMA = (1-cfg.ErrorDecay)*stats.ErrorEWMA + cfg.ErrorDecay*rate
	stats.Events++

	z := math.Abs(res.LatencyZ)
	res.Score = clamp(math.Max(z, res.ErrorRatio), 0, cfg.MaxScore)
	res.IsAnomaly = latencyHit || errorHit

	switch {
	case latencyHit && (!errorHit || z >= res.ErrorRatio):
		res.Signal = SignalLatency
	case errorHit:
		res.Signal = SignalErrorRate
	}

	return res, stats
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

func latencyEvent(service string, ms float64) types.LogEvent {
	return types.LogEvent{
		Service:   service,
		Level:     types.LevelInfo,
		Message:   "request served",
		LatencyMS: types.Float64(ms),
		Timestamp: time.Unix(0, 0).UTC(),
	}
}

func levelEvent(level types.Level) types.LogEvent {
	return types.LogEvent{Service: "auth", Level: level, Message: "m"}
}

func TestScore_PaymentLatencySpike(t *testing.T) {
	cfg := DefaultConfig()
	var stats ServiceStats

	for i := 0; i < 25; i++ {
		var res Result
		res, stats = Score(cfg, latencyEvent("payment", 100), stats)
		if res.IsAnomaly {
			t.Fatalf("steady sample %d flagged: %+v", i, res)
		}
	}

	res, stats := Score(cfg, latencyEvent("payment", 5000), stats)
	if !res.IsAnomaly {
		t.Fatalf("expected 5000ms spike to be anomalous, got %+v", res)
	}
	if res.Signal != SignalLatency {
		t.Errorf("Signal = %q, want %q", res.Signal, SignalLatency)
	}
	if res.Score != cfg.MaxScore {
		t.Errorf("Score = %f, want clamp to %f", res.Score, cfg.MaxScore)
	}
	if stats.Count != 26 || stats.Events != 26 {
		t.Errorf("Count = %d, Events = %d, want 26", stats.Count, stats.Events)
	}
}

func TestScore_OverflowingSampleSkipped(t *testing.T) {
	cfg := DefaultConfig()
	var stats ServiceStats

	for i := 0; i < 25; i++ {
		_, stats = Score(cfg, latencyEvent("payment", 100), stats)
	}
	_, stats = Score(cfg, latencyEvent("payment", 1e308), stats)
	if stats.Count != 25 || stats.Mean != 100 || stats.M2 != 0 {
		t.Fatalf("overflowing sample folded into stats: %+v", stats)
	}
	_, stats = Score(cfg, latencyEvent("payment", math.Inf(1)), stats)
	if stats.Count != 25 {
		t.Fatalf("infinite sample folded into stats: %+v", stats)
	}
	if stats.Events != 27 {
		t.Errorf("Events = %d, want 27", stats.Events)
	}

	for i := 0; i < 25; i++ {
		_, stats = Score(cfg, latencyEvent("payment", 100), stats)
	}
	res, _ := Score(cfg, latencyEvent("payment", 5000), stats)
	if !res.IsAnomaly || res.Signal != SignalLatency {
		t.Errorf("spike after overflowing sample not flagged: %+v", res)
	}
}

func TestScore_WarmupNeverLatencyAnomalous(t *testing.T) {
	cfg := DefaultConfig()
	var stats ServiceStats

	samples := []float64{1, 10000, 2, 50000, 3, 0, 99999}
	for i := 0; i < cfg.WarmupSamples-1; i++ {
		var res Result
		res, stats = Score(cfg, latencyEvent("svc", samples[i%len(samples)]), stats)
		if res.IsAnomaly || res.LatencyZ != 0 {
			t.Fatalf("sample %d scored during warm-up: %+v", i, res)
		}
	}
}

func TestScore_ZScoreUsesPriorStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupSamples = 2

	var stats ServiceStats
	_, stats = Score(cfg, latencyEvent("svc", 10), stats)
	_, stats = Score(cfg, latencyEvent("svc", 20), stats)

	// mean 15, population stddev 5
	res, _ := Score(cfg, latencyEvent("svc", 30), stats)
	if math.Abs(res.LatencyZ-3.0) > 1e-9 {
		t.Errorf("LatencyZ = %f, want 3.0", res.LatencyZ)
	}
	if res.IsAnomaly {
		t.Error("z equal to threshold should not be anomalous")
	}

	res, _ = Score(cfg, latencyEvent("svc", 31), stats)
	if !res.IsAnomaly {
		t.Errorf("z above threshold should be anomalous: %+v", res)
	}
}

func TestScore_Welford(t *testing.T) {
	var stats ServiceStats
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		_, stats = Score(DefaultConfig(), latencyEvent("svc", x), stats)
	}

	if stats.Mean != 5 {
		t.Errorf("Mean = %f, want 5", stats.Mean)
	}
	if math.Abs(stats.StdDev()-2) > 1e-12 {
		t.Errorf("StdDev = %f, want 2", stats.StdDev())
	}
}

func TestScore_EventsWithoutLatency(t *testing.T) {
	res, stats := Score(DefaultConfig(), levelEvent(types.LevelInfo), ServiceStats{})
	if stats.Count != 0 || stats.Events != 1 {
		t.Errorf("Count = %d, Events = %d", stats.Count, stats.Events)
	}
	if res.Score != 0 || res.IsAnomaly {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestScore_ErrorRate(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name        string
		ewma        float64
		level       types.Level
		wantAnomaly bool
		wantRatio   float64
	}{
		{"BelowFloorIgnored", 0.01, types.LevelError, false, 0},
		{"AtFloorIgnored", 0.05, types.LevelError, false, 0},
		{"LowBaselineError", 0.1, types.LevelError, true, 10},
		{"HighBaselineError", 0.6, types.LevelError, false, 1 / 0.6},
		{"NonErrorNeverFlagged", 0.3, types.LevelWarn, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := Score(cfg, levelEvent(tt.level), ServiceStats{ErrorEWMA: tt.ewma})
			if res.IsAnomaly != tt.wantAnomaly {
				t.Errorf("IsAnomaly = %v, want %v (%+v)", res.IsAnomaly, tt.wantAnomaly, res)
			}
			if math.Abs(res.ErrorRatio-tt.wantRatio) > 1e-9 {
				t.Errorf("ErrorRatio = %f, want %f", res.ErrorRatio, tt.wantRatio)
			}
			if tt.wantAnomaly && res.Signal != SignalErrorRate {
				t.Errorf("Signal = %q, want %q", res.Signal, SignalErrorRate)
			}
		})
	}
}

func TestScore_ErrorEWMAUpdate(t *testing.T) {
	_, stats := Score(DefaultConfig(), levelEvent(types.LevelError), ServiceStats{ErrorEWMA: 0.5})
	if math.Abs(stats.ErrorEWMA-0.55) > 1e-12 {
		t.Errorf("ErrorEWMA = %f, want 0.55", stats.ErrorEWMA)
	}

	_, stats = Score(DefaultConfig(), levelEvent(types.LevelDebug), ServiceStats{ErrorEWMA: 0.5})
	if math.Abs(stats.ErrorEWMA-0.45) > 1e-12 {
		t.Errorf("ErrorEWMA = %f, want 0.45", stats.ErrorEWMA)
	}
}

func TestScore_DoesNotMutateInput(t *testing.T) {
	in := ServiceStats{Count: 30, Mean: 100, M2: 3000, ErrorEWMA: 0.2, Events: 30}
	before := in
	Score(DefaultConfig(), latencyEvent("svc", 500), in)
	if in != before {
		t.Errorf("input stats changed: %+v -> %+v", before, in)
	}
}

func TestScore_Deterministic(t *testing.T) {
	sequence := make([]types.LogEvent, 0, 200)
	for i := 0; i < 200; i++ {
		e := latencyEvent("checkout", float64(50+(i*37)%113))
		if i%7 == 0 {
			e.Level = types.LevelError
		}
		if i%11 == 0 {
			e.LatencyMS = nil
		}
		sequence = append(sequence, e)
	}

	run := func() ([]Result, ServiceStats) {
		var (
			stats ServiceStats
			out   []Result
		)
		for _, e := range sequence {
			var r Result
			r, stats = Score(DefaultConfig(), e, stats)
			out = append(out, r)
		}
		return out, stats
	}

	a, sa := run()
	b, sb := run()
	if sa != sb {
		t.Fatalf("final stats differ: %+v vs %+v", sa, sb)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("result %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestScore_ClampedScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupSamples = 1

	var stats ServiceStats
	for i := 0; i < 100; i++ {
		e := latencyEvent("svc", float64((i%5)*(i%5)*1000))
		if i%3 == 0 {
			e.Level = types.LevelError
		}
		var res Result
		res, stats = Score(cfg, e, stats)
		if res.Score < 0 || res.Score > cfg.MaxScore {
			t.Fatalf("score %f out of range", res.Score)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ZThreshold: 4}.withDefaults()
	if cfg.ZThreshold != 4 {
		t.Errorf("ZThreshold = %f, want 4", cfg.ZThreshold)
	}
	if cfg.WarmupSamples != 20 || cfg.ErrorMultiplier != 2 || cfg.MaxScore != 10 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

// Package profiling exposes pprof and runtime statistics on a separate
// listener so they are never reachable through the public API ports.
package profiling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/server"
)

const (
	defaultAddress            = "localhost:6060"
	defaultGoroutineThreshold = 10000
	monitorInterval           = 30 * time.Second
)

// Profiler serves /debug/pprof and /debug/stats
type Profiler struct {
	cfg     config.ProfilingConfig
	logger  *logging.Logger
	handler http.Handler
}

// New creates a profiler. Nothing is enabled until Run.
func New(cfg config.ProfilingConfig, logger *logging.Logger) *Profiler {
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	if cfg.GoroutineThreshold == 0 {
		cfg.GoroutineThreshold = defaultGoroutineThreshold
	}
	if logger == nil {
		logger = logging.Nop()
	}

	p := &Profiler{cfg: cfg, logger: logger.WithComponent("profiling")}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", p.statsHandler)
	p.handler = mux

	return p
}

// Handler returns the debug mux
func (p *Profiler) Handler() http.Handler {
	return p.handler
}

// Run enables the configured runtime profiles and serves until ctx is done
func (p *Profiler) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if p.cfg.BlockProfile {
		runtime.SetBlockProfileRate(1)
		defer runtime.SetBlockProfileRate(0)
	}
	if p.cfg.MutexProfile {
		runtime.SetMutexProfileFraction(1)
		defer runtime.SetMutexProfileFraction(0)
	}

	go p.monitorGoroutines(ctx)

	srv := &http.Server{
		Addr:              p.cfg.Address,
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.logger.Info().
		Str("address", p.cfg.Address).
		Bool("block_profile", p.cfg.BlockProfile).
		Bool("mutex_profile", p.cfg.MutexProfile).
		Msg("Profiling server starting")
	return server.Serve(ctx, srv, shutdownTimeout, p.logger)
}

func (p *Profiler) monitorGoroutines(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkGoroutines(runtime.NumGoroutine())
		}
	}
}

// checkGoroutines warns above the threshold and reports whether it did
func (p *Profiler) checkGoroutines(count int) bool {
	if count > p.cfg.GoroutineThreshold {
		p.logger.Warn().
			Int("goroutines", count).
			Int("threshold", p.cfg.GoroutineThreshold).
			Msg("High goroutine count detected")
		return true
	}
	p.logger.Debug().Int("goroutines", count).Msg("Goroutine count")
	return false
}

// Stats is a snapshot of the runtime
type Stats struct {
	Goroutines   int    `json:"goroutines"`
	CPUs         int    `json:"cpus"`
	GOMAXPROCS   int    `json:"gomaxprocs"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	HeapInuse    uint64 `json:"heap_inuse_bytes"`
	HeapObjects  uint64 `json:"heap_objects"`
	Sys          uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
	PauseTotalMS uint64 `json:"pause_total_ms"`
}

// ReadStats samples the runtime
func ReadStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		Goroutines:   runtime.NumGoroutine(),
		CPUs:         runtime.NumCPU(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		HeapObjects:  m.HeapObjects,
		Sys:          m.Sys,
		NumGC:        m.NumGC,
		PauseTotalMS: m.PauseTotalNs / uint64(time.Millisecond),
	}
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReadStats())
}

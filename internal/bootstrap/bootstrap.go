// Package bootstrap holds the process wiring shared by the InsightHub
// binaries: flags, configuration, logging, metrics, tracing, health and
// graceful shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/profiling"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/security"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/server"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/tracing"
)

// Version is stamped at build time with -ldflags
var Version = "0.1.0"

// ErrVersion is returned by ParseFlags after printing the version
var ErrVersion = errors.New("version requested")

// Flags are the options common to every binary
type Flags struct {
	ConfigFile string
	LogLevel   string
	Version    bool
}

// ParseFlags registers the common flags on flagSet and parses args
func ParseFlags(flagSet *pflag.FlagSet, args []string, out io.Writer) (Flags, error) {
	var f Flags
	flagSet.StringVarP(&f.ConfigFile, "config", "c", "config.yaml", "path to configuration file")
	flagSet.StringVar(&f.LogLevel, "log-level", "", "override logging.level from the config file")
	flagSet.BoolVar(&f.Version, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return f, err
	}
	if f.Version {
		fmt.Fprintf(out, "%s %s\n", flagSet.Name(), Version)
		return f, ErrVersion
	}
	return f, nil
}

// Runtime is the ambient stack of one binary
type Runtime struct {
	Name     string
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Collector
	Tracing  *tracing.Provider
	Health   *health.Checker
	Shutdown *shutdown.Manager
}

// Start loads configuration and brings up logging, metrics and tracing. A
// missing config file falls back to defaults plus environment overrides.
func Start(ctx context.Context, name string, flags Flags) (*Runtime, error) {
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if err := security.ResolveSecrets(cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}).WithField("binary", name)
	logging.SetGlobal(logger)

	collector := metrics.NewCollector()
	collector.Start(15 * time.Second)

	tcfg := tracing.Config{ServiceName: name}
	if cfg.Tracing != nil {
		tcfg.Enabled = cfg.Tracing.Enabled
		tcfg.Endpoint = cfg.Tracing.Endpoint
		tcfg.SampleRate = cfg.Tracing.SampleRate
	}
	tp, err := tracing.NewProvider(ctx, tcfg)
	if err != nil {
		collector.Stop()
		return nil, fmt.Errorf("failed to start tracing: %w", err)
	}

	var timeout time.Duration
	if cfg.Health != nil {
		timeout = cfg.Health.Timeout
	}
	checker := health.NewChecker(timeout)
	checker.ReportTo(collector)

	rt := &Runtime{
		Name:     name,
		Config:   cfg,
		Logger:   logger,
		Metrics:  collector,
		Tracing:  tp,
		Health:   checker,
		Shutdown: shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: logger}),
	}
	rt.Shutdown.RegisterFunc("tracing", tp.Shutdown)
	rt.Shutdown.RegisterFunc("metrics", func(context.Context) error {
		collector.Stop()
		return nil
	})

	logger.Info().Str("version", Version).Str("config", flags.ConfigFile).Msg("Starting " + name)
	return rt, nil
}

// ServeOps runs the optional metrics, health and profiling listeners until
// ctx is done
func (r *Runtime) ServeOps(ctx context.Context) error {
	cfg := server.ConfigFrom(r.Config.Metrics, r.Config.Health)
	cfg.MetricsRegistry = r.Metrics.Registry()
	cfg.HealthChecker = r.Health
	cfg.Logger = r.Logger

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.New(cfg).Run(gctx, r.Config.Shutdown.Timeout) })
	if pc := r.Config.Profiling; pc != nil && pc.Enabled {
		g.Go(func() error { return profiling.New(*pc, r.Logger).Run(gctx, r.Config.Shutdown.Timeout) })
	}
	return g.Wait()
}

// Stop runs the registered shutdown functions and logs the outcome
func (r *Runtime) Stop() error {
	err := r.Shutdown.Shutdown()
	if err != nil {
		r.Logger.Error().Err(err).Msg("Shutdown finished with errors")
		return err
	}
	r.Logger.Info().Msg("Shutdown complete")
	return nil
}

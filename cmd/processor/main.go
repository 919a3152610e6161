// Command processor consumes log events from Kafka, scores them and writes
// them to storage exactly once per idempotency key.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/bootstrap"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/dlq"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/processor"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/query"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/queue"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/storage"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, bootstrap.ErrVersion) || errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("insighthub-processor", pflag.ContinueOnError)
	serveQuery := flagSet.Bool("serve-query", false, "also serve the query API from this process (DuckDB allows one writer process)")
	flags, err := bootstrap.ParseFlags(flagSet, os.Args[1:], os.Stdout)
	if err != nil {
		return err
	}

	rt, err := bootstrap.Start(context.Background(), "insighthub-processor", flags)
	if err != nil {
		return err
	}
	cfg := rt.Config
	logger := rt.Logger

	ctx, cancel := rt.Shutdown.Notify(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to open storage: %w", err), rt.Stop())
	}
	rt.Shutdown.RegisterFunc("storage", func(context.Context) error { return store.Close() })
	rt.Health.Register("storage", health.PingCheck(store.Ping))
	logger.Info().Str("backend", store.Name()).Msg("Storage opened")

	opts := processor.Options{
		Logger:  logger,
		Metrics: rt.Metrics,
		Tracer:  rt.Tracing.Tracer(),
		Backend: store.Name(),
	}

	var archiver *dlq.Archiver
	if dl := cfg.DeadLetter; dl != nil && dl.Enabled {
		parked, err := dlq.New(dlq.Config{
			Dir:           dl.Dir,
			MaxSize:       dl.MaxSize,
			MaxAge:        dl.MaxAge,
			FlushInterval: dl.FlushInterval,
			Logger:        logger,
			Metrics:       rt.Metrics,
		})
		if err != nil {
			return errors.Join(err, rt.Stop())
		}
		rt.Shutdown.RegisterFunc("dlq", func(context.Context) error { return parked.Close() })
		rt.Health.Register("dlq", health.CheckFunc(parked.Healthy))
		opts.Parker = parked

		if dl.S3 != nil {
			archiver, err = dlq.NewS3Archiver(ctx, parked, *dl.S3, logger)
			if err != nil {
				return errors.Join(err, rt.Stop())
			}
		}
	}

	proc, err := processor.New(cfg.Processor, store, opts)
	if err != nil {
		return errors.Join(err, rt.Stop())
	}

	consumer, err := queue.NewConsumer(cfg.Kafka, proc, queue.ConsumerOptions{
		GracePeriod: cfg.Processor.GracePeriod,
		Logger:      logger,
		Metrics:     rt.Metrics,
	})
	if err != nil {
		return errors.Join(err, rt.Stop())
	}
	rt.Health.Register("kafka", health.CheckFunc(consumer.Healthy))

	var api *query.API
	if *serveQuery {
		api, err = query.New(cfg.Query, store, query.Options{Logger: logger, Metrics: rt.Metrics, Health: rt.Health})
		if err != nil {
			consumer.Close()
			return errors.Join(err, rt.Stop())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return rt.ServeOps(gctx) })
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	if api != nil {
		g.Go(func() error { return api.Run(gctx, cfg.Shutdown.Timeout) })
	}

	runErr := g.Wait()

	rt.Shutdown.RegisterFunc("kafka-consumer", func(context.Context) error { return consumer.Close() })
	return errors.Join(runErr, rt.Stop())
}

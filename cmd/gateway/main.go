// Command gateway accepts log events over HTTP and publishes them to Kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/bootstrap"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/gateway"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/queue"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/reliability"
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
	flagSet := pflag.NewFlagSet("insighthub-gateway", pflag.ContinueOnError)
	flags, err := bootstrap.ParseFlags(flagSet, os.Args[1:], os.Stdout)
	if err != nil {
		return err
	}

	rt, err := bootstrap.Start(context.Background(), "insighthub-gateway", flags)
	if err != nil {
		return err
	}
	cfg := rt.Config

	producer, err := queue.NewProducer(cfg.Kafka, queue.ProducerOptions{
		Retry:          reliability.RetryFromConfig(cfg.Gateway.PublishRetry),
		CircuitBreaker: reliability.BreakerFromConfig(cfg.Gateway.CircuitBreaker),
		Logger:         rt.Logger,
		Metrics:        rt.Metrics,
		Tracer:         rt.Tracing.Tracer(),
	})
	if err != nil {
		rt.Stop()
		return err
	}
	rt.Health.Register("kafka", health.CheckFunc(producer.Healthy))

	gw, err := gateway.New(cfg.Gateway, producer, gateway.Options{
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
		Tracer:  rt.Tracing.Tracer(),
		Health:  rt.Health,
	})
	if err != nil {
		producer.Close()
		rt.Stop()
		return err
	}

	ctx, cancel := rt.Shutdown.Notify(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx, cfg.Shutdown.Timeout) })
	g.Go(func() error { return rt.ServeOps(gctx) })

	runErr := g.Wait()

	// The HTTP listener has drained; nothing publishes after this point
	rt.Shutdown.RegisterFunc("kafka-producer", func(context.Context) error {
		return producer.Close()
	})
	return errors.Join(runErr, rt.Stop())
}

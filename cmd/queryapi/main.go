// Command queryapi serves read-only queries over stored log records.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/bootstrap"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/query"
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
	flagSet := pflag.NewFlagSet("insighthub-queryapi", pflag.ContinueOnError)
	address := flagSet.String("address", "", "listen address, overriding query.address")
	flags, err := bootstrap.ParseFlags(flagSet, os.Args[1:], os.Stdout)
	if err != nil {
		return err
	}

	rt, err := bootstrap.Start(context.Background(), "insighthub-queryapi", flags)
	if err != nil {
		return err
	}
	cfg := rt.Config
	if *address != "" {
		cfg.Query.Address = *address
	}

	ctx, cancel := rt.Shutdown.Notify(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to open storage: %w", err), rt.Stop())
	}
	rt.Shutdown.RegisterFunc("storage", func(context.Context) error { return store.Close() })
	rt.Health.Register("storage", health.PingCheck(store.Ping))

	api, err := query.New(cfg.Query, store, query.Options{
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
		Health:  rt.Health,
	})
	if err != nil {
		return errors.Join(err, rt.Stop())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx, cfg.Shutdown.Timeout) })
	g.Go(func() error { return rt.ServeOps(gctx) })

	return errors.Join(g.Wait(), rt.Stop())
}

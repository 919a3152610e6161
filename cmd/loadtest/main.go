// Command loadtest drives the ingestion gateway through the Go SDK at a
// target rate and reports delivery statistics.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/client"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

var (
	url            = pflag.String("url", client.DefaultURL, "Gateway base URL")
	token          = pflag.String("token", os.Getenv("SERVICE_TOKEN"), "Service token")
	services       = pflag.StringSlice("services", []string{"payment", "auth", "checkout"}, "Service names to simulate")
	targetRate     = pflag.Int("rate", 200, "Target events per second across all workers")
	duration       = pflag.Duration("duration", time.Minute, "Test duration")
	workers        = pflag.Int("workers", 4, "Number of worker goroutines")
	batchSize      = pflag.Int("batch", client.DefaultBatchSize, "SDK batch size")
	flushInterval  = pflag.Duration("flush-interval", time.Second, "SDK flush interval")
	errorRate      = pflag.Float64("error-rate", 0.02, "Fraction of events logged at ERROR")
	spikeEvery     = pflag.Int("spike-every", 500, "Emit a latency spike every N events per worker (0 disables)")
	compress       = pflag.Bool("compress", false, "Gzip request bodies")
	reportInterval = pflag.Duration("interval", 5*time.Second, "Report interval")
)

// Stats tracks load test statistics
type Stats struct {
	generated atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	spikes    atomic.Uint64
	startTime time.Time
}

func (s *Stats) Report() {
	elapsed := time.Since(s.startTime).Seconds()
	generated := s.generated.Load()
	sent := s.sent.Load()
	failed := s.failed.Load()

	success := 0.0
	if sent+failed > 0 {
		success = float64(sent) / float64(sent+failed) * 100
	}

	fmt.Printf("\n=== Load Test Statistics ===\n")
	fmt.Printf("Duration: %.2f seconds\n", elapsed)
	fmt.Printf("Events Generated: %d (%.0f/sec)\n", generated, float64(generated)/elapsed)
	fmt.Printf("Events Delivered: %d (%.0f/sec)\n", sent, float64(sent)/elapsed)
	fmt.Printf("Delivery Failures: %d\n", failed)
	fmt.Printf("Latency Spikes: %d\n", s.spikes.Load())
	fmt.Printf("Success Rate: %.2f%%\n", success)
	fmt.Printf("============================\n\n")
}

func main() {
	pflag.Parse()

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	fmt.Printf("Starting load test...\n")
	fmt.Printf("Gateway: %s\n", *url)
	fmt.Printf("Target Rate: %d events/sec\n", *targetRate)
	fmt.Printf("Duration: %s\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Batch Size: %d\n\n", *batchSize)

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	if *workers <= 0 || *targetRate <= 0 {
		return fmt.Errorf("workers and rate must be positive")
	}
	if len(*services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, *duration)
	defer stop()

	stats := &Stats{startTime: time.Now()}
	limiter := rate.NewLimiter(rate.Limit(*targetRate), *workers)

	// One SDK client per simulated service, shared by the workers
	clients := make([]*client.Client, 0, len(*services))
	for _, svc := range *services {
		c, err := client.New(client.Config{
			URL:           *url,
			Token:         *token,
			Service:       svc,
			BatchSize:     *batchSize,
			FlushInterval: *flushInterval,
			Compress:      *compress,
			Logger:        logger.Logger,
			OnFlush: func(r client.FlushResult) {
				stats.sent.Add(uint64(r.Sent))
				stats.failed.Add(uint64(r.Failed))
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create client for %s: %w", svc, err)
		}
		clients = append(clients, c)
	}

	go func() {
		ticker := time.NewTicker(*reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.Report()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, workerID, clients, limiter, stats)
		}(i)
	}

	<-ctx.Done()
	logger.Info().Msg("Stopping workers")
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	for _, c := range clients {
		if err := c.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("Final flush incomplete")
		}
	}

	stats.Report()
	return nil
}

var messages = map[types.Level][]string{
	types.LevelInfo:  {"User login successful", "API request processed", "Payment authorised", "Cache refreshed"},
	types.LevelWarn:  {"High memory usage detected", "Slow upstream response", "Retrying request"},
	types.LevelError: {"Database query timeout", "Payment declined by issuer", "Upstream returned 502"},
	types.LevelDebug: {"Cache hit", "Feature flag evaluated"},
}

func runWorker(ctx context.Context, workerID int, clients []*client.Client, limiter *rate.Limiter, stats *Stats) {
	var n int
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		n++

		c := clients[rand.IntN(len(clients))]
		level := pickLevel()
		msgs := messages[level]

		// Baseline latency around 100ms with an occasional spike
		latency := 80 + rand.Float64()*40
		if *spikeEvery > 0 && n%*spikeEvery == 0 {
			latency = 5000
			stats.spikes.Add(1)
		}

		c.Log(level, msgs[rand.IntN(len(msgs))], client.Metadata{
			LatencyMS: types.Float64(latency),
			UserID:    types.Int64(int64(workerID*100000 + rand.IntN(10000))),
		})
		stats.generated.Add(1)
	}
}

func pickLevel() types.Level {
	r := rand.Float64()
	switch {
	case r < *errorRate:
		return types.LevelError
	case r < *errorRate+0.08:
		return types.LevelWarn
	case r < *errorRate+0.15:
		return types.LevelDebug
	default:
		return types.LevelInfo
	}
}

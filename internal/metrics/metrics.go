package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "insighthub"

// Processor outcomes
const (
	OutcomePersisted = "persisted"
	OutcomeDuplicate = "duplicate"
	OutcomePoison    = "poison"
	OutcomeParked    = "parked"
	OutcomeAborted   = "aborted"
)

// Collector provides a central place for all application metrics
type Collector struct {
	// Gateway metrics
	GatewayRequests           *prometheus.CounterVec
	GatewayRequestDuration    *prometheus.HistogramVec
	GatewayRateLimited        prometheus.Counter
	GatewayAuthFailures       prometheus.Counter
	GatewayValidationFailures *prometheus.CounterVec

	// Queue metrics
	QueuePublishAttempts *prometheus.CounterVec
	QueuePublished       *prometheus.CounterVec
	QueuePublishFailures *prometheus.CounterVec
	QueueConsumed        *prometheus.CounterVec

	// Processor metrics
	ProcessorMessages       *prometheus.CounterVec
	ProcessorEventsByLevel  *prometheus.CounterVec
	ProcessorPersistRetries prometheus.Counter
	ProcessorHandleDuration prometheus.Histogram

	// Anomaly metrics
	AnomaliesDetected *prometheus.CounterVec
	AnomalyScore      prometheus.Histogram
	TrackedServices   prometheus.Gauge

	// Query API metrics
	QueryRequests *prometheus.CounterVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Dead letter queue metrics
	DLQEventsWritten prometheus.Counter
	DLQEntries       prometheus.Gauge
	DLQSize          prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stop     chan struct{}
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.initGatewayMetrics()
	c.initQueueMetrics()
	c.initProcessorMetrics()
	c.initAnomalyMetrics()
	c.initQueryMetrics()
	c.initSystemMetrics()
	c.initDLQMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initGatewayMetrics() {
	c.GatewayRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of ingestion requests by response status",
		},
		[]string{"status"},
	)

	c.GatewayRequestDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Ingestion request duration",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"status"},
	)

	c.GatewayRateLimited = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	c.GatewayAuthFailures = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Total number of requests with a missing or wrong token",
		},
	)

	c.GatewayValidationFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "validation_failures_total",
			Help:      "Total number of rejected events by offending field",
		},
		[]string{"field"},
	)
}

func (c *Collector) initQueueMetrics() {
	c.QueuePublishAttempts = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "publish_attempts_total",
			Help:      "Total number of produce attempts including retries",
		},
		[]string{"topic"},
	)

	c.QueuePublished = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "published_total",
			Help:      "Total number of events acknowledged by the broker",
		},
		[]string{"topic"},
	)

	c.QueuePublishFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "publish_failures_total",
			Help:      "Total number of events that could not be published after retries",
		},
		[]string{"topic"},
	)

	c.QueueConsumed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "consumed_total",
			Help:      "Total number of messages claimed by this consumer",
		},
		[]string{"topic", "partition"},
	)
}

func (c *Collector) initProcessorMetrics() {
	c.ProcessorMessages = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "messages_total",
			Help:      "Total number of handled messages by outcome",
		},
		[]string{"outcome"},
	)

	c.ProcessorEventsByLevel = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "events_total",
			Help:      "Total number of persisted events by level",
		},
		[]string{"level"},
	)

	c.ProcessorPersistRetries = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "persist_retries_total",
			Help:      "Total number of storage write retries",
		},
	)

	c.ProcessorHandleDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one message",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
	)
}

func (c *Collector) initAnomalyMetrics() {
	c.AnomaliesDetected = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "detected_total",
			Help:      "Total number of anomalous events by signal",
		},
		[]string{"signal"},
	)

	c.AnomalyScore = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "score",
			Help:      "Distribution of anomaly scores",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		},
	)

	c.TrackedServices = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "tracked_services",
			Help:      "Number of services with running statistics",
		},
	)
}

func (c *Collector) initQueryMetrics() {
	c.QueryRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of query API requests",
		},
		[]string{"route", "status"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEventsWritten = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "events_written_total",
			Help:      "Total number of messages parked in the dead letter queue",
		},
	)

	c.DLQEntries = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries",
			Help:      "Current number of parked messages",
		},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "size_bytes",
			Help:      "Current size of dead letter queue in bytes",
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics every interval
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	stop := make(chan struct{})
	c.stop = stop

	c.collectSystemMetrics()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Stop stops periodic collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

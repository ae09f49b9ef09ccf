package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"spapi-etl/internal/spapi"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Collector owns the process metrics. It implements spapi.Observer.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	unitsTotal      *prometheus.CounterVec
	rowsTotal       *prometheus.CounterVec
	unitDuration    *prometheus.HistogramVec
	inflightRegions prometheus.Gauge
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spapi_requests_total",
				Help: "SP-API request attempts by category and HTTP status (0 for transport errors)",
			},
			[]string{"category", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spapi_request_duration_seconds",
				Help:    "Duration of SP-API request attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spapi_retries_total",
				Help: "SP-API retries by category and reason",
			},
			[]string{"category", "reason"},
		),
		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_units_total",
				Help: "Pull units processed by pull type and outcome",
			},
			[]string{"pull_type", "status"},
		),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_rows_total",
				Help: "Rows written by pull type",
			},
			[]string{"pull_type"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_unit_duration_seconds",
				Help:    "Time taken to pull one unit",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"pull_type"},
		),
		inflightRegions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "etl_inflight_regions",
				Help: "Number of regions currently pulling",
			},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.retriesTotal,
		c.unitsTotal,
		c.rowsTotal,
		c.unitDuration,
		c.inflightRegions,
	)
	return c
}

// Registry returns the collector registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRequest records one request attempt.
func (c *Collector) ObserveRequest(category spapi.Category, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(string(category), strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(string(category)).Observe(duration.Seconds())
}

// ObserveRetry records one retry.
func (c *Collector) ObserveRetry(category spapi.Category, reason string) {
	c.retriesTotal.WithLabelValues(string(category), reason).Inc()
}

// ObserveUnit records the outcome of one pull unit.
func (c *Collector) ObserveUnit(pullType, status string, rows int, duration time.Duration) {
	c.unitsTotal.WithLabelValues(pullType, status).Inc()
	if rows > 0 {
		c.rowsTotal.WithLabelValues(pullType).Add(float64(rows))
	}
	if status != "skipped" {
		c.unitDuration.WithLabelValues(pullType).Observe(duration.Seconds())
	}
}

// SetInflight sets the number of regions in flight.
func (c *Collector) SetInflight(n int) {
	c.inflightRegions.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Push sends the registry to a Pushgateway under job, grouped by instance.
func (c *Collector) Push(ctx context.Context, url, job, instance string) error {
	pusher := push.New(url, job).Gatherer(c.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

var _ spapi.Observer = (*Collector)(nil)

// Package metrics exposes dispatch counters, queue gauges and request
// latency over a Prometheus /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every dispatchd metric. It registers against its own
// registry so multiple collectors can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	requestsEnqueued prometheus.Counter
	requestsRejected prometheus.Counter
	requestsComplete prometheus.Counter
	requestsRequeued prometheus.Counter
	requestsDead     prometheus.Counter

	rateLimited  *prometheus.CounterVec
	circuitOpen  *prometheus.CounterVec
	fallbackUsed *prometheus.CounterVec

	requestLatency prometheus.Histogram

	queueDepth      prometheus.Gauge
	deadLetterDepth prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_requests_enqueued_total",
			Help: "Total number of commands admitted to the queue",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_requests_rejected_total",
			Help: "Total number of commands rejected because the queue was full",
		}),
		requestsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_requests_completed_total",
			Help: "Total number of requests that produced a response",
		}),
		requestsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_requests_requeued_total",
			Help: "Total number of retry requeues",
		}),
		requestsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_requests_dead_lettered_total",
			Help: "Total number of requests moved to the dead-letter queue",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_rate_limited_total",
			Help: "Rate-limit denials by limit level",
		}, []string{"level"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_circuit_open_rejections_total",
			Help: "Fail-fast rejections while an agent circuit was open",
		}, []string{"agent"}),
		fallbackUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_fallback_responses_total",
			Help: "Responses produced by a fallback strategy",
		}, []string{"strategy"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatchd_request_latency_seconds",
			Help:    "Dequeue-to-response latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchd_queue_depth",
			Help: "Current number of pending requests",
		}),
		deadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchd_dead_letter_depth",
			Help: "Current size of the dead-letter queue",
		}),
	}

	c.registry.MustRegister(
		c.requestsEnqueued, c.requestsRejected, c.requestsComplete,
		c.requestsRequeued, c.requestsDead,
		c.rateLimited, c.circuitOpen, c.fallbackUsed,
		c.requestLatency,
		c.queueDepth, c.deadLetterDepth,
	)
	return c
}

func (c *Collector) RecordEnqueue()      { c.requestsEnqueued.Inc() }
func (c *Collector) RecordRejected()     { c.requestsRejected.Inc() }
func (c *Collector) RecordRequeued()     { c.requestsRequeued.Inc() }
func (c *Collector) RecordDeadLettered() { c.requestsDead.Inc() }

func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.requestsComplete.Inc()
	c.requestLatency.Observe(latencySeconds)
}

func (c *Collector) RecordRateLimited(level string) {
	c.rateLimited.WithLabelValues(level).Inc()
}

func (c *Collector) RecordCircuitOpen(agent string) {
	c.circuitOpen.WithLabelValues(agent).Inc()
}

func (c *Collector) RecordFallback(strategy string) {
	c.fallbackUsed.WithLabelValues(strategy).Inc()
}

// UpdateQueueStats refreshes the depth gauges, typically on the daemon's
// periodic tick.
func (c *Collector) UpdateQueueStats(pending, deadLetters int) {
	c.queueDepth.Set(float64(pending))
	c.deadLetterDepth.Set(float64(deadLetters))
}

// Handler serves this collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server wraps the /metrics HTTP listener so the daemon can shut it down
// cleanly.
type Server struct {
	srv *http.Server
}

// NewServer builds (but does not start) the metrics server. Port 0 disables
// the endpoint; NewServer then returns nil and callers skip Start/Stop.
func NewServer(port int, c *Collector) *Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{srv: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}}
}

// Start serves until Stop is called. It blocks, so callers run it in a
// goroutine; ErrServerClosed is normal shutdown.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// Package metrics exposes Prometheus instruments for the bot runtime and the
// conversational state stores. All methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/state"
)

const namespace = "policybot"

// Metrics holds the bot's instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	updates       *prometheus.CounterVec
	handlerTime   *prometheus.HistogramVec
	rateLimited   prometheus.Counter
	swept         *prometheus.CounterVec
	sweepFailures *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweeps        prometheus.Counter
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Telegram updates received by kind.",
		}, []string{"kind"}),
		handlerTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler latency by handler and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"handler", "outcome"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Updates dropped by the per-user rate limiter.",
		}),
		swept: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "swept_total",
			Help:      "State entries removed by the periodic sweep, by store.",
		}, []string{"provider"}),
		sweepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sweep_failures_total",
			Help:      "Failed sweeps by store.",
		}, []string{"provider"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full sweep over every store.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sweeps_total",
			Help:      "Completed sweeps.",
		}),
	}
}

var current atomic.Pointer[Metrics]

// SetDefault installs m as the instance used by middleware and routers.
func SetDefault(m *Metrics) {
	current.Store(m)
}

// Default returns the installed instance or nil.
func Default() *Metrics {
	return current.Load()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TrackStore exposes the live entry count of a state store as a gauge.
func (m *Metrics) TrackStore(name string, size func() int) error {
	if m == nil || size == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "state",
		Name:        "entries",
		Help:        "Entries currently held by a state store.",
		ConstLabels: prometheus.Labels{"store": name},
	}, func() float64 { return float64(size()) }))
}

// SendCounter reports the totals of an outbound send queue.
type SendCounter interface {
	SentCount() uint64
	ErrorCount() uint64
	DroppedCount() uint64
}

// TrackSender exposes the outbound queue totals as counters labelled by result.
func (m *Metrics) TrackSender(sc SendCounter) error {
	if m == nil || sc == nil {
		return nil
	}
	for result, read := range map[string]func() uint64{
		"sent":    sc.SentCount,
		"failed":  sc.ErrorCount,
		"dropped": sc.DroppedCount,
	} {
		err := m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sender",
			Name:        "jobs_total",
			Help:        "Outbound Telegram calls by result.",
			ConstLabels: prometheus.Labels{"result": result},
		}, func() float64 { return float64(read()) }))
		if err != nil {
			return err
		}
	}
	return nil
}

// IncUpdate counts a received update of the given kind.
func (m *Metrics) IncUpdate(kind string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind).Inc()
}

// ObserveHandler records a handler duration.
func (m *Metrics) ObserveHandler(handler, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerTime.WithLabelValues(handler, outcome).Observe(d.Seconds())
}

// IncRateLimited counts a dropped update.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveCleanup implements state.Observer.
func (m *Metrics) ObserveCleanup(res state.Result) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepDuration.Observe(res.Duration.Seconds())
	for name, n := range res.Providers {
		if n < 0 {
			m.sweepFailures.WithLabelValues(name).Inc()
			continue
		}
		m.swept.WithLabelValues(name).Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes Handler on listen at path until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "metrics", "serve.start",
			slog.String("listen", listen),
			slog.String("path", path),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info(logger.Background(), "metrics", "serve.stop")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error(ctx, "metrics", "serve.fail", slog.String("err", err.Error()))
		return err
	}
}

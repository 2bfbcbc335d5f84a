package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pollkit/internal/eventbus"
	"pollkit/internal/poll"
)

type Metrics struct {
	TicksTotal    *prometheus.CounterVec
	Up            *prometheus.GaugeVec
	NextInterval  *prometheus.GaugeVec
	ProbeDuration *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers pollkit's collectors on reg. bus may be nil.
func NewMetrics(reg *prometheus.Registry, bus eventbus.Bus) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollkit_ticks_total",
				Help: "Poll state transitions by phase",
			},
			[]string{"poll", "phase"},
		),
		Up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pollkit_poll_up",
				Help: "1 if the last completed execution resolved, 0 if it was rejected",
			},
			[]string{"poll"},
		),
		NextInterval: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pollkit_poll_next_interval_seconds",
				Help: "Delay until the next scheduled execution; -1 when none is scheduled",
			},
			[]string{"poll"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pollkit_probe_duration_seconds",
				Help:    "Probe execution time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"poll", "kind"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollkit_admin_requests_total",
				Help: "Admin API requests by route and status code",
			},
			[]string{"route", "method", "code"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.TicksTotal, m.Up, m.NextInterval, m.ProbeDuration, m.HTTPRequests)
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "pollkit_events_dropped_total",
				Help: "Events dropped because a bus subscriber was slow",
			},
			func() float64 { return float64(bus.Dropped()) },
		))
	}
	return m
}

// Observe updates the poll gauges and counters for one tick event.
func (m *Metrics) Observe(ev eventbus.TickEvent) {
	m.TicksTotal.WithLabelValues(ev.Poll, string(ev.Phase)).Inc()
	switch ev.Phase {
	case poll.PhaseResolved, poll.PhaseReconnected:
		m.Up.WithLabelValues(ev.Poll).Set(1)
	case poll.PhaseRejected:
		m.Up.WithLabelValues(ev.Poll).Set(0)
	case poll.PhaseDisposed:
		m.Forget(ev.Poll)
		return
	}
	next := -1.0
	if ev.Interval != poll.Never {
		next = ev.Interval.Seconds()
	}
	m.NextInterval.WithLabelValues(ev.Poll).Set(next)
}

// Forget drops the per-poll series of a removed poll.
func (m *Metrics) Forget(name string) {
	m.Up.DeleteLabelValues(name)
	m.NextInterval.DeleteLabelValues(name)
	m.TicksTotal.DeletePartialMatch(prometheus.Labels{"poll": name})
	m.ProbeDuration.DeletePartialMatch(prometheus.Labels{"poll": name})
}

// ObserveProbe records how long one probe execution took.
func (m *Metrics) ObserveProbe(name, kind string, took time.Duration) {
	m.ProbeDuration.WithLabelValues(name, kind).Observe(took.Seconds())
}

// Consume applies tick events from ch until ctx is done or ch is closed.
func (m *Metrics) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if te, ok := ev.Data.(eventbus.TickEvent); ok {
				m.Observe(te)
			}
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware counts admin API requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		code := rec.status
		if code == 0 {
			code = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
	})
}

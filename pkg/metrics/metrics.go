// Package metrics tracks server runtime statistics and exposes them in the
// Prometheus exposition format.
package metrics

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "gochat"

// Metrics holds every collector the server updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	activeSessions     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	sessionsSuperseded prometheus.Counter
	authResults        *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	typingTotal        *prometheus.CounterVec
	deliveryMisses     *prometheus.CounterVec
	eventErrors        *prometheus.CounterVec
	statusFailures     prometheus.Counter
	eventLatency       *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Current number of registered realtime connections.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Realtime connections activated since start.",
		}),
		sessionsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_superseded_total",
			Help:      "Connections closed because the same user connected again.",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication attempts grouped by result.",
		}, []string{"result"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Persisted messages grouped by whether the receiver was connected.",
		}, []string{"delivery"}),
		typingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_events_total",
			Help:      "Typing notifications grouped by outcome.",
		}, []string{"outcome"}),
		deliveryMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_misses_total",
			Help:      "Outbound events dropped because the target buffer was full or closed.",
		}, []string{"event"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Error events sent to clients grouped by code.",
		}, []string{"code"}),
		statusFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_persist_failures_total",
			Help:      "Presence status writes that failed and were skipped.",
		}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_latency_seconds",
			Help:      "Latency for handling inbound events.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.sessionsSuperseded,
		m.authResults,
		m.messagesTotal,
		m.typingTotal,
		m.deliveryMisses,
		m.eventErrors,
		m.statusFailures,
		m.eventLatency,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SessionSuperseded() {
	if m == nil {
		return
	}
	m.sessionsSuperseded.Inc()
}

func (m *Metrics) AuthResult(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.authResults.WithLabelValues(result).Inc()
}

// MessageStored counts a persisted message; delivered reports whether the
// receiver had a live connection that accepted it.
func (m *Metrics) MessageStored(delivered bool) {
	if m == nil {
		return
	}
	delivery := "offline"
	if delivered {
		delivery = "delivered"
	}
	m.messagesTotal.WithLabelValues(delivery).Inc()
}

func (m *Metrics) TypingForwarded(forwarded bool) {
	if m == nil {
		return
	}
	outcome := "dropped"
	if forwarded {
		outcome = "forwarded"
	}
	m.typingTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeliveryMiss(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.deliveryMisses.WithLabelValues(event).Inc()
}

func (m *Metrics) EventError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.eventErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) StatusPersistFailed() {
	if m == nil {
		return
	}
	m.statusFailures.Inc()
}

func (m *Metrics) ObserveEvent(event string, dur time.Duration) {
	if m == nil || event == "" {
		return
	}
	m.eventLatency.WithLabelValues(event).Observe(dur.Seconds())
}

// Summary returns the current value of every gochat counter and gauge keyed
// by metric name without the namespace prefix. Labelled series are summed.
func (m *Metrics) Summary() (map[string]float64, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		name, ok := strings.CutPrefix(mf.GetName(), namespace+"_")
		if !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			out[name] += value(mf.GetType(), metric)
		}
	}
	return out, nil
}

func value(t dto.MetricType, metric *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(metric.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	if m == nil {
		return
	}
	s, err := m.Summary()
	if err != nil {
		logger.Warn("metrics gather failed", "err", err)
		return
	}
	logger.Info("metrics",
		"uptime", time.Since(m.startTime).Truncate(time.Second).String(),
		"sessions", s["sessions_active"],
		"total_sessions", s["sessions_total"],
		"messages", s["messages_total"],
		"delivery_misses", s["delivery_misses_total"],
		"status_failures", s["status_persist_failures_total"],
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if m == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}

// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing setup shared by the runtime's components.
//
// Metrics live on a private registry so tests and multiple runtimes in
// one process never collide on the default registerer. Every recorder
// method is safe on a nil *Metrics, which lets components take an
// optional metrics handle without guarding each call.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tool call outcomes.
const (
	ToolOK        = "ok"
	ToolFallback  = "fallback"
	ToolFailure   = "failure"
	ToolError     = "error"
	ToolDelegated = "delegated"
)

// Metrics is the runtime's metric set.
type Metrics struct {
	registry *prometheus.Registry

	// TurnsTotal counts chat turns.
	// Labels: mode (batch|stream|ws), outcome (ok|error|timeout)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: mode
	TurnDuration *prometheus.HistogramVec

	// ToolCalls counts tool dispatches.
	// Labels: tool, outcome (ok|fallback|failure|error|delegated)
	ToolCalls *prometheus.CounterVec

	// TokenRefresh counts OAuth refresh attempts.
	// Labels: service, outcome (ok|error)
	TokenRefresh *prometheus.CounterVec

	// ActiveSessions is the number of live session actors.
	ActiveSessions prometheus.Gauge

	// HTTPRequests counts API requests.
	// Labels: route, code
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry, including the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_turns_total",
				Help: "Chat turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_tool_calls_total",
				Help: "Tool dispatches by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		TokenRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_token_refresh_total",
				Help: "OAuth token refresh attempts by service and outcome",
			},
			[]string{"service", "outcome"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_active_sessions",
				Help: "Live session actors",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Turn records a finished turn.
func (m *Metrics) Turn(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ToolCall records one dispatch.
func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// Refresh records one token refresh attempt.
func (m *Metrics) Refresh(service string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TokenRefresh.WithLabelValues(service, outcome).Inc()
}

// SetActiveSessions sets the live actor gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harun/webagent/pkg/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "webagent"

// Metrics holds all Prometheus metrics for the agent. It implements agent.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Control loop metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	TicksDropped  prometheus.Counter

	// Control server metrics
	TokenAcquisitionsTotal *prometheus.CounterVec
	PingFailuresTotal      prometheus.Counter
	ReportFailuresTotal    prometheus.Counter

	// Dispatch metrics
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
}

var _ agent.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of control loop cycles by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of control loop cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		TicksDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_dropped_total",
				Help:      "Ticks skipped because a cycle was still in flight",
			},
		),

		TokenAcquisitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_acquisitions_total",
				Help:      "Session token requests by outcome",
			},
			[]string{"outcome"},
		),
		PingFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ping_failures_total",
				Help:      "Liveness pings that did not get a 2xx",
			},
		),
		ReportFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_failures_total",
				Help:      "Command results the control server did not accept",
			},
		),

		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Commands dispatched to the execution context by result status",
			},
			[]string{"status"},
		),
		DispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dispatch to execution context reply in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.CyclesTotal)
	m.registry.MustRegister(m.CycleDuration)
	m.registry.MustRegister(m.TicksDropped)

	m.registry.MustRegister(m.TokenAcquisitionsTotal)
	m.registry.MustRegister(m.PingFailuresTotal)
	m.registry.MustRegister(m.ReportFailuresTotal)

	m.registry.MustRegister(m.DispatchesTotal)
	m.registry.MustRegister(m.DispatchDuration)
}

// RegisterGauge exposes a value sampled at scrape time, such as connected bridge peers
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// CycleCompleted records a finished cycle
func (m *Metrics) CycleCompleted(outcome agent.Outcome, duration time.Duration) {
	m.CyclesTotal.WithLabelValues(string(outcome)).Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// TickDropped records a tick skipped while a cycle was running
func (m *Metrics) TickDropped() {
	m.TicksDropped.Inc()
}

// TokenAcquisition records a token request outcome
func (m *Metrics) TokenAcquisition(outcome string) {
	m.TokenAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// PingFailed records a failed liveness ping
func (m *Metrics) PingFailed() {
	m.PingFailuresTotal.Inc()
}

// ReportFailed records a rejected result submission
func (m *Metrics) ReportFailed() {
	m.ReportFailuresTotal.Inc()
}

// CommandDispatched records a dispatch and how long the reply took
func (m *Metrics) CommandDispatched(status agent.Status, duration time.Duration) {
	m.DispatchesTotal.WithLabelValues(string(status)).Inc()
	m.DispatchDuration.Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Server serves /metrics on its own listener
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer binds addr and serves the metrics handler in the background
func NewServer(addr string, m *Metrics, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

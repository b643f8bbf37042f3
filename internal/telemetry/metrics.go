package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector the core registers, on a
// dedicated (non-global) registry — never prometheus.DefaultRegisterer,
// so multiple cores can coexist in one test binary.
type Metrics struct {
	registry *prometheus.Registry

	ReserveTotal    *prometheus.CounterVec
	ReserveDuration *prometheus.HistogramVec
	Pressure        *prometheus.GaugeVec

	RateLimitChecks *prometheus.CounterVec

	AggregatorFacts   prometheus.Counter
	AggregatorPruned  prometheus.Counter

	AlgedonicTotal *prometheus.CounterVec

	BreakerState     *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	AlertsSent *prometheus.CounterVec

	LLMRequests      *prometheus.CounterVec
	LLMDeduplicated  prometheus.Counter
	LLMInFlight      prometheus.Gauge
}

// NewMetrics constructs and registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ReserveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyb_s2_reserve_total",
			Help: "Coordinator reserve_slot outcomes by lane and grant result.",
		}, []string{"lane", "granted"}),
		ReserveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cyb_s2_reserve_duration_seconds",
			Help:    "Coordinator reserve_slot call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"lane"}),
		Pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cyb_s2_pressure",
			Help: "Coordinator current slots in use per lane.",
		}, []string{"lane"}),
		RateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyb_s3_rate_limit_checks_total",
			Help: "RateLimiter check outcomes by budget and result.",
		}, []string{"budget", "result"}),
		AggregatorFacts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cyb_aggregator_facts_emitted_total",
			Help: "Number of aggregator.facts summaries emitted.",
		}),
		AggregatorPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cyb_aggregator_events_pruned_total",
			Help: "Number of aggregator events pruned for being outside the window.",
		}),
		AlgedonicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyb_algedonic_total",
			Help: "Algedonic signals emitted by severity and category.",
		}, []string{"severity", "category"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cyb_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed,1=open,2=half_open) per endpoint.",
		}, []string{"endpoint"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyb_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per endpoint and new state.",
		}, []string{"endpoint", "state"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyb_alerts_sent_total",
			Help: "Alerts emitted by alert key and severity.",
		}, []string{"alert_key", "severity"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyb_shared_llm_requests_total",
			Help: "SharedLLM router requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		LLMDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cyb_shared_llm_deduplicated_total",
			Help: "SharedLLM requests coalesced onto an in-flight fingerprint.",
		}),
		LLMInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cyb_shared_llm_in_flight",
			Help: "Current number of distinct in-flight SharedLLM fingerprints.",
		}),
	}

	reg.MustRegister(
		m.ReserveTotal, m.ReserveDuration, m.Pressure,
		m.RateLimitChecks,
		m.AggregatorFacts, m.AggregatorPruned,
		m.AlgedonicTotal,
		m.BreakerState, m.BreakerTransitions,
		m.AlertsSent,
		m.LLMRequests, m.LLMDeduplicated, m.LLMInFlight,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts an HTTP server exposing /metrics and /healthz and
// blocks until ctx is cancelled, then shuts down gracefully.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// PromSink attaches to a Bus and mirrors known event names onto Metrics
// collectors. It is purely additive: a missing or malformed measurement is
// skipped (or recorded with an empty label) without logging, never
// propagated.
type PromSink struct {
	m   *Metrics
	bus *Bus
	log *zap.Logger
}

// NewPromSink attaches a PromSink to bus for the stable event names in
// SPEC_FULL.md §6.
func NewPromSink(bus *Bus, m *Metrics, log *zap.Logger) *PromSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &PromSink{m: m, bus: bus, log: log}
	bus.Attach("cyb.s2.reserve", s.onReserve)
	bus.Attach("cyb.s2.pressure", s.onPressure)
	bus.Attach("cyb.s3.rate_limit", s.onRateLimit)
	bus.Attach("cybernetic.aggregator.facts", s.onAggregatorFacts)
	bus.Attach("cybernetic.algedonic", s.onAlgedonic)
	bus.Attach("cyb.circuit_breaker.opened", s.onBreakerTransition)
	bus.Attach("cyb.circuit_breaker.transition", s.onBreakerTransition)
	bus.Attach("cybernetic.alerts.circuit_breaker", s.onAlert)
	bus.Attach("cyb.shared_llm.request", s.onLLMRequest)
	return s
}

func floatOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringOf(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func (s *PromSink) onReserve(evt Event) {
	lane, _ := stringOf(evt.Metadata["lane"])
	granted := "false"
	if g, ok := evt.Measurements["granted"].(bool); ok && g {
		granted = "true"
	}
	s.m.ReserveTotal.WithLabelValues(lane, granted).Inc()
	if d, ok := floatOf(evt.Measurements["duration"]); ok {
		s.m.ReserveDuration.WithLabelValues(lane).Observe(d)
	}
}

func (s *PromSink) onPressure(evt Event) {
	lane, _ := stringOf(evt.Metadata["lane"])
	if c, ok := floatOf(evt.Measurements["current"]); ok {
		s.m.Pressure.WithLabelValues(lane).Set(c)
	}
}

func (s *PromSink) onRateLimit(evt Event) {
	budget, _ := stringOf(evt.Metadata["budget"])
	result, _ := stringOf(evt.Metadata["result"])
	s.m.RateLimitChecks.WithLabelValues(budget, result).Inc()
}

func (s *PromSink) onAggregatorFacts(Event) {
	s.m.AggregatorFacts.Inc()
}

func (s *PromSink) onAlgedonic(evt Event) {
	severity, _ := stringOf(evt.Measurements["severity"])
	category, _ := stringOf(evt.Metadata["category"])
	s.m.AlgedonicTotal.WithLabelValues(severity, category).Inc()
}

func (s *PromSink) onBreakerTransition(evt Event) {
	endpoint, _ := stringOf(evt.Metadata["circuit_breaker"])
	state, _ := stringOf(evt.Metadata["state"])
	// A move to open also fires the opened event; count the transition
	// only from the transition event so it is not counted twice.
	if evt.Name == "cyb.circuit_breaker.transition" {
		s.m.BreakerTransitions.WithLabelValues(endpoint, state).Inc()
	}
	var code float64
	switch state {
	case "open":
		code = 1
	case "half_open":
		code = 2
	default:
		code = 0
	}
	s.m.BreakerState.WithLabelValues(endpoint).Set(code)
}

func (s *PromSink) onAlert(evt Event) {
	key, _ := stringOf(evt.Metadata["alert_key"])
	severity, _ := stringOf(evt.Metadata["severity"])
	s.m.AlertsSent.WithLabelValues(key, severity).Inc()
}

func (s *PromSink) onLLMRequest(evt Event) {
	op, _ := stringOf(evt.Metadata["operation"])
	outcome, _ := stringOf(evt.Metadata["outcome"])
	s.m.LLMRequests.WithLabelValues(op, outcome).Inc()
}

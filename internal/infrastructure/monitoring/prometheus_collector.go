package monitoring

import (
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

const namespace = "wanderlink"

type PrometheusCollector struct {
	callsStarted   *prometheus.CounterVec
	callsAccepted  *prometheus.CounterVec
	callsConnected prometheus.Counter
	callsEnded     *prometheus.CounterVec

	// Histograms
	callSetupDuration prometheus.Histogram

	candidatesSent      prometheus.Counter
	candidateSendErrors prometheus.Counter
	candidatesApplied   prometheus.Counter
	incomingSurfaced    prometheus.Counter

	storeBreakerState prometheus.Gauge
}

// NewPrometheusCollector registers the call metrics with reg. A nil reg
// means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Outgoing calls started, by call type",
		}, []string{"type"}),

		callsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_accepted_total",
			Help:      "Incoming calls accepted, by call type",
		}, []string{"type"}),

		callsConnected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_connected_total",
			Help:      "Calls whose peer transport reached connected",
		}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls ended, by reason",
		}, []string{"reason"}),

		callSetupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_setup_duration_seconds",
			Help:      "Time from call start or accept to a connected transport",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		candidatesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_sent_total",
			Help:      "Local ICE candidates appended to the signaling store",
		}),

		candidateSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_send_errors_total",
			Help:      "Local ICE candidates that could not be appended",
		}),

		candidatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_applied_total",
			Help:      "Remote ICE candidates handed to the peer transport",
		}),

		incomingSurfaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoming_calls_surfaced_total",
			Help:      "Incoming call prompts shown to the user",
		}),

		storeBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_circuit_breaker_state",
			Help:      "Signaling store circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

func (p *PrometheusCollector) CallStarted(callType domain.CallType) {
	p.callsStarted.WithLabelValues(string(callType)).Inc()
}

func (p *PrometheusCollector) CallAccepted(callType domain.CallType) {
	p.callsAccepted.WithLabelValues(string(callType)).Inc()
}

func (p *PrometheusCollector) CallConnected(setup time.Duration) {
	p.callsConnected.Inc()
	p.callSetupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusCollector) CandidateSent()       { p.candidatesSent.Inc() }
func (p *PrometheusCollector) CandidateSendFailed() { p.candidateSendErrors.Inc() }
func (p *PrometheusCollector) CandidateApplied()    { p.candidatesApplied.Inc() }
func (p *PrometheusCollector) IncomingSurfaced()    { p.incomingSurfaced.Inc() }

// RecordBreakerState is meant for circuitbreaker.OnStateChange.
func (p *PrometheusCollector) RecordBreakerState(_, to circuitbreaker.State) {
	p.storeBreakerState.Set(float64(to))
}

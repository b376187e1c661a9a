package monitoring

import (
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.CallMetrics.
type PrometheusCollector struct {
	// Counters
	callsStarted      *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec
	inboundDecisions  *prometheus.CounterVec
	directoryFallback *prometheus.CounterVec

	// Gauges
	activeCall         prometheus.Gauge
	remoteParticipants prometheus.Gauge

	// Histograms
	joinLatency *prometheus.HistogramVec
}

// NewPrometheusCollector registers the call metrics with reg. A nil reg
// means the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callsession_calls_started_total",
			Help: "Calls that reached the platform, by kind",
		}, []string{"kind"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callsession_state_transitions_total",
			Help: "Call state transitions",
		}, []string{"from", "to"}),

		inboundDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callsession_inbound_decisions_total",
			Help: "Outcome of inbound call arbitration",
		}, []string{"decision"}),

		directoryFallback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callsession_directory_fallbacks_total",
			Help: "Room resolutions served without the directory",
		}, []string{"source"}),

		activeCall: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callsession_active_call",
			Help: "1 while a call is held",
		}),

		remoteParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callsession_remote_participants",
			Help: "Remote participants in the current call",
		}),

		joinLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callsession_join_latency_seconds",
			Help:    "Time from request to the platform accepting the call",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) CallStarted(kind domain.CallKind) {
	p.callsStarted.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) StateTransition(from, to domain.CallState) {
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *PrometheusCollector) InboundDecision(d ports.InboundDecision) {
	p.inboundDecisions.WithLabelValues(string(d)).Inc()
}

func (p *PrometheusCollector) DirectoryFallback(source domain.ResolutionSource) {
	p.directoryFallback.WithLabelValues(string(source)).Inc()
}

func (p *PrometheusCollector) SetActiveCall(active bool) {
	if active {
		p.activeCall.Set(1)
		return
	}
	p.activeCall.Set(0)
}

func (p *PrometheusCollector) SetRemoteParticipants(n int) {
	p.remoteParticipants.Set(float64(n))
}

func (p *PrometheusCollector) ObserveJoinLatency(kind domain.CallKind, d time.Duration) {
	p.joinLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors for admission and exchange handling.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RateLimitDecisions *prometheus.CounterVec
	Exchanges          *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	OrphanedMessages   prometheus.Counter
	RepairJobs         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisupport",
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit checks by scope and outcome",
		}, []string{"scope", "outcome"}),
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisupport",
			Name:      "chat_exchanges_total",
			Help:      "Chat exchanges by outcome",
		}, []string{"outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aisupport",
			Name:      "provider_call_seconds",
			Help:      "Completion provider call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "result"}),
		OrphanedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisupport",
			Name:      "orphaned_user_messages_total",
			Help:      "User messages left without a reply after a failed exchange",
		}),
		RepairJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisupport",
			Name:      "repair_jobs_total",
			Help:      "Orphan repair jobs by status",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.RateLimitDecisions, m.Exchanges, m.ProviderLatency, m.OrphanedMessages, m.RepairJobs)
	}
	return m
}

func (m *Metrics) RateLimit(scope, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) Exchange(outcome string) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderCall(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(provider, result).Observe(d.Seconds())
}

func (m *Metrics) Orphaned() {
	if m == nil {
		return
	}
	m.OrphanedMessages.Inc()
}

func (m *Metrics) RepairJob(status string) {
	if m == nil {
		return
	}
	m.RepairJobs.WithLabelValues(status).Inc()
}

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics exposes counters/histograms for availability, assignment,
// dedup and triage flows.
type DispatchMetrics struct {
	availabilityTotal *prometheus.CounterVec
	slotsReturned     *prometheus.HistogramVec
	assignmentsTotal  *prometheus.CounterVec
	txRetries         prometheus.Counter
	txLatency         *prometheus.HistogramVec
	dedupTotal        *prometheus.CounterVec
	triageTotal       *prometheus.CounterVec
	escalationsTotal  *prometheus.CounterVec
	notifyTotal       *prometheus.CounterVec
	calendarWrites    *prometheus.CounterVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "availability",
			Name:      "queries_total",
			Help:      "Availability queries by calendar kind and outcome",
		}, []string{"calendar_kind", "outcome"}),
		slotsReturned: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "availability",
			Name:      "slots_returned",
			Help:      "Number of candidate slots returned per query",
			Buckets:   []float64{0, 1, 2, 5, 10, 20},
		}, []string{"emergency"}),
		assignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "assignment",
			Name:      "commits_total",
			Help:      "Assignment transaction outcomes",
		}, []string{"outcome"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "assignment",
			Name:      "tx_retries_total",
			Help:      "Assignment transactions retried after serialization failure or deadlock",
		}),
		txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "assignment",
			Name:      "tx_latency_seconds",
			Help:      "Latency of the assignment transaction",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		dedupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "dedup",
			Name:      "decisions_total",
			Help:      "Dedup guard decisions",
		}, []string{"decision"}),
		triageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "triage",
			Name:      "classifications_total",
			Help:      "Triage classifications by tier",
		}, []string{"tier"}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "escalation",
			Name:      "created_total",
			Help:      "Human escalations by reason",
		}, []string{"reason"}),
		notifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "notify",
			Name:      "sends_total",
			Help:      "Notification sends by channel and status",
		}, []string{"channel", "status"}),
		calendarWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "calendar",
			Name:      "writes_total",
			Help:      "External calendar reserve/confirm outcomes",
		}, []string{"calendar_kind", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.availabilityTotal, m.slotsReturned, m.assignmentsTotal, m.txRetries, m.txLatency,
		m.dedupTotal, m.triageTotal, m.escalationsTotal, m.notifyTotal, m.calendarWrites,
	)
	return m
}

func (m *DispatchMetrics) ObserveAvailability(calendarKind, outcome string, emergency bool, slots int) {
	if m == nil {
		return
	}
	m.availabilityTotal.WithLabelValues(calendarKind, outcome).Inc()
	m.slotsReturned.WithLabelValues(strconv.FormatBool(emergency)).Observe(float64(slots))
}

func (m *DispatchMetrics) ObserveAssignment(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.assignmentsTotal.WithLabelValues(outcome).Inc()
	m.txLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *DispatchMetrics) ObserveTxRetry() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

func (m *DispatchMetrics) ObserveDedup(decision string) {
	if m == nil {
		return
	}
	m.dedupTotal.WithLabelValues(decision).Inc()
}

func (m *DispatchMetrics) ObserveTriage(tier string) {
	if m == nil {
		return
	}
	m.triageTotal.WithLabelValues(tier).Inc()
}

func (m *DispatchMetrics) ObserveEscalation(reason string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(reason).Inc()
}

func (m *DispatchMetrics) ObserveNotification(channel, status string) {
	if m == nil {
		return
	}
	m.notifyTotal.WithLabelValues(channel, status).Inc()
}

func (m *DispatchMetrics) ObserveCalendarWrite(calendarKind, status string) {
	if m == nil {
		return
	}
	m.calendarWrites.WithLabelValues(calendarKind, status).Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for reservation and lifecycle flows.
type BookingMetrics struct {
	reservationsTotal  *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	balanceDebitsTotal *prometheus.CounterVec
	sideEffectFailures *prometheus.CounterVec
	reserveLatency     *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		reservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "reservations",
			Name:      "total",
			Help:      "Reservation attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Committed consultation transitions",
		}, []string{"transition"}),
		balanceDebitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "balance",
			Name:      "debits_total",
			Help:      "Balance units consumed by source",
		}, []string{"source"}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "dispatch",
			Name:      "side_effect_failures_total",
			Help:      "Post-commit follow-ups that failed",
		}, []string{"effect"}),
		reserveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "reservations",
			Name:      "reserve_latency_seconds",
			Help:      "Latency of the reservation transaction",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservationsTotal, m.transitionsTotal, m.balanceDebitsTotal, m.sideEffectFailures, m.reserveLatency)
	return m
}

func (m *BookingMetrics) ObserveReservation(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(outcome).Inc()
	m.reserveLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *BookingMetrics) ObserveTransition(transition string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(transition).Inc()
}

func (m *BookingMetrics) ObserveDebit(source string) {
	if m == nil {
		return
	}
	m.balanceDebitsTotal.WithLabelValues(source).Inc()
}

func (m *BookingMetrics) ObserveSideEffectFailure(effect string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(effect).Inc()
}

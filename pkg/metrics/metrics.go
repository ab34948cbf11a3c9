// Package metrics is the always-on Prometheus collector for calls,
// registrations, transactions, and errors. Grounded on the teacher's
// pkg/dialog/metrics.go (counter/gauge/histogram shape and naming), merged
// with flowpbx's internal/metrics/metrics.go provider-interface style for
// the registration gauges. Unlike the teacher's version (behind a
// `// +build prometheus` tag), this collector has no build tag: metrics
// are core infrastructure here, not an optional extra.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric this module publishes.
type Collector struct {
	callsTotal        *prometheus.CounterVec
	callsActive       prometheus.Gauge
	callDuration      prometheus.Histogram
	stateTransitions  *prometheus.CounterVec
	transactionsTotal prometheus.Counter
	errorsTotal       *prometheus.CounterVec

	registrationsTotal   *prometheus.CounterVec
	registrationsActive  *prometheus.GaugeVec
	registrationRetries  prometheus.Counter
	registrationDuration prometheus.Histogram

	dtmfDigitsTotal *prometheus.CounterVec
}

// Config controls the metric namespace/subsystem prefix.
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig matches the teacher's own dialog metrics prefix.
func DefaultConfig() Config {
	return Config{Namespace: "sip", Subsystem: "core"}
}

// New registers every metric against the default Prometheus registry via
// promauto, matching the teacher's initPrometheusMetrics idiom.
func New(cfg Config) *Collector {
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "calls_total",
			Help: "Total number of calls created, by direction",
		}, []string{"direction"}),
		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "calls_active",
			Help: "Number of calls currently active",
		}),
		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "call_duration_seconds",
			Help:    "Duration of completed calls in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
		}),
		stateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "call_state_transitions_total",
			Help: "Total number of call state machine transitions",
		}, []string{"from_state", "to_state", "event"}),
		transactionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transactions_total",
			Help: "Total number of SIP transactions processed",
		}),
		errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "errors_total",
			Help: "Total number of errors by category",
		}, []string{"category"}),
		registrationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "registrations_total",
			Help: "Total number of REGISTER attempts by outcome",
		}, []string{"outcome"}),
		registrationsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "registrations_active",
			Help: "Current registration status per account, as a 0/1 gauge per status label",
		}, []string{"account", "status"}),
		registrationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "registration_retries_total",
			Help: "Total number of registration retry attempts",
		}),
		registrationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "registration_round_trip_seconds",
			Help:    "Time from REGISTER send to final response",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 32},
		}),
		dtmfDigitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "dtmf_digits_total",
			Help: "Total number of DTMF digits dispatched, by mode",
		}, []string{"mode"}),
	}
	return c
}

func (c *Collector) CallCreated(direction string) {
	c.callsTotal.WithLabelValues(direction).Inc()
	c.callsActive.Inc()
}

func (c *Collector) CallEnded(duration time.Duration) {
	c.callsActive.Dec()
	c.callDuration.Observe(duration.Seconds())
}

func (c *Collector) StateTransition(from, to, event string) {
	c.stateTransitions.WithLabelValues(from, to, event).Inc()
}

func (c *Collector) TransactionProcessed() {
	c.transactionsTotal.Inc()
}

func (c *Collector) ErrorObserved(category string) {
	c.errorsTotal.WithLabelValues(category).Inc()
}

func (c *Collector) RegistrationAttempted(outcome string) {
	c.registrationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RegistrationRetried() {
	c.registrationRetries.Inc()
}

func (c *Collector) RegistrationRoundTrip(d time.Duration) {
	c.registrationDuration.Observe(d.Seconds())
}

// RegistrationStatus sets the gauge for (account, status) to 1 and zeroes
// every other status label for that account, so the gauge vector always
// reflects exactly one active status per account.
func (c *Collector) RegistrationStatus(account string, statuses []string, current string) {
	for _, s := range statuses {
		if s == current {
			c.registrationsActive.WithLabelValues(account, s).Set(1)
		} else {
			c.registrationsActive.WithLabelValues(account, s).Set(0)
		}
	}
}

func (c *Collector) DTMFDigitDispatched(mode string) {
	c.dtmfDigitsTotal.WithLabelValues(mode).Inc()
}

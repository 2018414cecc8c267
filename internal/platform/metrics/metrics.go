package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	CertificationsTotal prometheus.Counter
	LedgerAppends       *prometheus.CounterVec
	IdempotentHits      prometheus.Counter
	PolicyViolations    *prometheus.CounterVec
	AnchorsSubmitted    *prometheus.CounterVec
	AnchorsConfirmed    *prometheus.CounterVec
	AnchorsFailed       *prometheus.CounterVec
	SessionsClosed      *prometheus.CounterVec
	OTPFailures         prometheus.Counter
	TSARequests         *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		CertificationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_certifications_total",
			Help: "Total number of documents certified",
		}),
		LedgerAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_ledger_appends_total",
			Help: "Ledger append operations by event kind",
		}, []string{"kind"}),
		IdempotentHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_ledger_idempotent_hits_total",
			Help: "Anchor events dropped as already recorded",
		}),
		PolicyViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_policy_violations_total",
			Help: "Protection requests rejected by policy code",
		}, []string{"code"}),
		AnchorsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_anchors_submitted_total",
			Help: "Anchor submissions by network",
		}, []string{"network"}),
		AnchorsConfirmed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_anchors_confirmed_total",
			Help: "Anchors confirmed by network",
		}, []string{"network"}),
		AnchorsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_anchors_failed_total",
			Help: "Anchor failures by network",
		}, []string{"network"}),
		SessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_sessions_closed_total",
			Help: "Presence sessions closed by evidentiary grade",
		}, []string{"grade"}),
		OTPFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_otp_failures_total",
			Help: "Rejected one-time code attempts",
		}),
		TSARequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_tsa_requests_total",
			Help: "Timestamp authority requests by outcome",
		}, []string{"outcome"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veridoc_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"path", "status"}),
	}
}

// ObserveRequest records a completed HTTP request.
func (m *Metrics) ObserveRequest(path string, status int, d time.Duration) {
	m.RequestDuration.WithLabelValues(path, strconv.Itoa(status)).Observe(d.Seconds())
}

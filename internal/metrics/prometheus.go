package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	uplinkConnectsTotal    prometheus.Counter
	uplinkDisconnectsTotal prometheus.Counter
	burstsCompletedTotal   prometheus.Counter

	commandsTotal *prometheus.CounterVec

	authAttemptsTotal      *prometheus.CounterVec
	accountsCreatedTotal   prometheus.Counter
	hashRequestsEnqueued   prometheus.Counter
	hashRequestDuration    prometheus.Histogram

	mailSentTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		uplinkConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lm_uplink_connects_total",
			Help: "Total number of uplink connections on which the PASS/SERVER handshake was sent.",
		}),
		uplinkDisconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lm_uplink_disconnects_total",
			Help: "Total number of uplink disconnections.",
		}),
		burstsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lm_bursts_completed_total",
			Help: "Total number of completed network bursts (EB/EA exchanges).",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lm_commands_total",
			Help: "Total number of dispatcher commands processed.",
		}, []string{"command", "outcome"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lm_auth_attempts_total",
			Help: "Total number of AUTH attempts.",
		}, []string{"result"}),
		accountsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lm_accounts_created_total",
			Help: "Total number of accounts created via HELLO.",
		}),
		hashRequestsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lm_hash_requests_enqueued_total",
			Help: "Total number of hash requests enqueued to the hasher worker.",
		}),
		hashRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lm_hash_request_duration_seconds",
			Help:    "Time from sending a hash request to the hasher worker to receiving its response.",
			Buckets: prometheus.DefBuckets,
		}),

		mailSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lm_mail_sent_total",
			Help: "Total number of mail deliveries, by mode.",
		}, []string{"mode"}),
	}

	reg.MustRegister(
		c.uplinkConnectsTotal,
		c.uplinkDisconnectsTotal,
		c.burstsCompletedTotal,
		c.commandsTotal,
		c.authAttemptsTotal,
		c.accountsCreatedTotal,
		c.hashRequestsEnqueued,
		c.hashRequestDuration,
		c.mailSentTotal,
	)

	return c
}

func (c *PrometheusCollector) UplinkConnected()    { c.uplinkConnectsTotal.Inc() }
func (c *PrometheusCollector) UplinkDisconnected() { c.uplinkDisconnectsTotal.Inc() }
func (c *PrometheusCollector) BurstCompleted()     { c.burstsCompletedTotal.Inc() }

func (c *PrometheusCollector) CommandProcessed(command, outcome string) {
	c.commandsTotal.WithLabelValues(command, outcome).Inc()
}

func (c *PrometheusCollector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) AccountCreated() { c.accountsCreatedTotal.Inc() }

func (c *PrometheusCollector) HashRequestEnqueued() { c.hashRequestsEnqueued.Inc() }

func (c *PrometheusCollector) HashRequestCompleted(durationSeconds float64) {
	c.hashRequestDuration.Observe(durationSeconds)
}

func (c *PrometheusCollector) MailSent(disabled bool) {
	mode := "mta"
	if disabled {
		mode = "disabled"
	}
	c.mailSentTotal.WithLabelValues(mode).Inc()
}

// Package metrics exposes the bridge's Prometheus metrics:
//   - mt5_polls_total{result}          - poll requests processed (success|init_error|auth_error|error)
//   - mt5_poll_duration_seconds        - wall time of one full poll cycle
//   - mt5_queue_depth                  - requests waiting in the queue (gauge)
//   - mt5_queue_rejections_total       - enqueues refused because the queue was full
//   - mt5_trades_closed_total{source}  - reconstructed closures by history source
//   - mt5_closed_unknown_total         - closures dropped after the carryover ceiling
//   - mt5_fetch_retries_total          - history fetch attempts beyond the first
//
// Registered in init() and served by the HTTP server at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_polls_total",
			Help: "Poll requests processed, by result",
		},
		[]string{"result"},
	)

	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mt5_poll_duration_seconds",
			Help:    "Duration of one full poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mt5_queue_depth",
			Help: "Requests currently waiting in the queue",
		},
	)

	queueRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_queue_rejections_total",
			Help: "Enqueue attempts refused because the queue was full",
		},
	)

	tradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_trades_closed_total",
			Help: "Closed trades reconstructed from history, by source",
		},
		[]string{"source"},
	)

	closedUnknown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_closed_unknown_total",
			Help: "Closed positions dropped without history data",
		},
	)

	fetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_fetch_retries_total",
			Help: "History fetch attempts beyond the first",
		},
	)
)

func init() {
	prometheus.MustRegister(polls, pollDuration)
	prometheus.MustRegister(queueDepth, queueRejections)
	prometheus.MustRegister(tradesClosed, closedUnknown, fetchRetries)
}

// Poll result labels.
const (
	PollSuccess   = "success"
	PollInitError = "init_error"
	PollAuthError = "auth_error"
	PollError     = "error"
)

// IncPoll counts one processed poll request.
func IncPoll(result string) { polls.WithLabelValues(result).Inc() }

// ObservePollDuration records the wall time of one poll cycle.
func ObservePollDuration(d time.Duration) { pollDuration.Observe(d.Seconds()) }

// SetQueueDepth reports the current queue backlog.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// IncQueueRejection counts one refused enqueue.
func IncQueueRejection() { queueRejections.Inc() }

// IncTradeClosed counts one reconstructed closure by history source.
func IncTradeClosed(source string) { tradesClosed.WithLabelValues(source).Inc() }

// IncClosedUnknown counts one closure dropped without history data.
func IncClosedUnknown() { closedUnknown.Inc() }

// IncFetchRetry counts one history fetch attempt beyond the first.
func IncFetchRetry() { fetchRetries.Inc() }

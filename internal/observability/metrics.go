package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "frame",
			Name:      "total",
			Help:      "Frames processed by direction and performative.",
		},
		[]string{"direction", "performative"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "session",
			Name:      "transfers_total",
			Help:      "Transfers sent or received.",
		},
		[]string{"direction"},
	)
	windowWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "amqpwire",
			Subsystem: "session",
			Name:      "window_wait_seconds",
			Help:      "Time senders spent blocked on the session outgoing window.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	windowReplenish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "session",
			Name:      "window_replenish_total",
			Help:      "Incoming window replenishments advertised to the peer.",
		},
		[]string{"echo"},
	)
	congestion = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "link",
			Name:      "congestion_errors_total",
			Help:      "Sends that failed because a congestion threshold did not clear in time.",
		},
		[]string{"threshold"},
	)
	creditGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "link",
			Name:      "credit_granted_total",
			Help:      "Link credit granted to remote senders.",
		},
		[]string{"policy"},
	)
	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "endpoint",
			Name:      "settlements_total",
			Help:      "Deliveries settled by endpoint role and outcome.",
		},
		[]string{"role", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqpwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the admin surface.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(frames, transfers, windowWait, windowReplenish, congestion, creditGranted, settlements, httpRequests)
	})
}

func RecordFrame(direction, performative string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, performative).Inc()
}

func RecordTransfer(direction string) {
	RegisterMetrics()
	transfers.WithLabelValues(direction).Inc()
}

func RecordWindowWait(d time.Duration) {
	RegisterMetrics()
	windowWait.Observe(d.Seconds())
}

func RecordWindowReplenish(echo bool) {
	RegisterMetrics()
	windowReplenish.WithLabelValues(strconv.FormatBool(echo)).Inc()
}

func RecordCongestion(threshold string) {
	RegisterMetrics()
	congestion.WithLabelValues(threshold).Inc()
}

func RecordCreditGrant(policy string, credit uint32) {
	RegisterMetrics()
	creditGranted.WithLabelValues(policy).Add(float64(credit))
}

func RecordSettlement(role, outcome string, n int) {
	RegisterMetrics()
	settlements.WithLabelValues(role, outcome).Add(float64(n))
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

package mqworker

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqworker"

// Poll outcomes.
const (
	pollMessages = "messages"
	pollEmpty    = "empty"
	pollError    = "error"
)

// Metrics records worker activity. A nil *Metrics records nothing.
type Metrics struct {
	polls             *prometheus.CounterVec
	received          prometheus.Counter
	acked             prometheus.Counter
	released          prometheus.Counter
	deadLettered      prometheus.Counter
	errors            *prometheus.CounterVec
	handlerDuration   prometheus.Histogram
	consecutiveErrors prometheus.Gauge
}

// NewMetrics creates worker metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("registerer cannot be nil")
	}

	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Receive calls by result (messages, empty, error)",
		}, []string{"result"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages returned by receive calls",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Messages deleted after successful processing",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_released_total",
			Help:      "Messages made visible again after failed processing",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Messages moved to the dead letter destination",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed queue operations by operation",
		}, []string{"op"}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		consecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_errors",
			Help:      "Current number of consecutive failed queue operations",
		}),
	}

	collectors := []prometheus.Collector{
		m.polls,
		m.received,
		m.acked,
		m.released,
		m.deadLettered,
		m.errors,
		m.handlerDuration,
		m.consecutiveErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observePoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) addReceived(n int) {
	if m == nil {
		return
	}
	m.received.Add(float64(n))
}

func (m *Metrics) incAcked() {
	if m == nil {
		return
	}
	m.acked.Inc()
}

func (m *Metrics) incReleased() {
	if m == nil {
		return
	}
	m.released.Inc()
}

func (m *Metrics) incDeadLettered() {
	if m == nil {
		return
	}
	m.deadLettered.Inc()
}

func (m *Metrics) incError(op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(op).Inc()
}

func (m *Metrics) observeHandler(d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.Observe(d.Seconds())
}

func (m *Metrics) setConsecutiveErrors(n int) {
	if m == nil {
		return
	}
	m.consecutiveErrors.Set(float64(n))
}

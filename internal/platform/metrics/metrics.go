// Package metrics exposes dialog execution counters for prometheus.
package metrics

import (
	"time"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hbci"

type Metrics struct {
	dialogs         *prometheus.CounterVec
	messages        *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	handoffTimeouts prometheus.Counter
	dialogDuration  prometheus.Histogram
}

// New registers the collectors with reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		dialogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogs_total",
			Help:      "Dialogs run, by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Wire messages exchanged, by kind.",
		}, []string{"kind"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Interactive callbacks issued, by reason.",
		}, []string{"reason"}),
		handoffTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_timeouts_total",
			Help:      "Threaded handoff waits that ran out of time.",
		}),
		dialogDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dialog_duration_seconds",
			Help:      "Wall time of one dialog from init to end.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.dialogs, m.messages, m.callbacks, m.handoffTimeouts, m.dialogDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) ObserveDialog(outcome domain.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dialogs.WithLabelValues(string(outcome)).Inc()
	m.dialogDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncMessages(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCallback(reason domain.Reason) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) IncHandoffTimeout() {
	if m == nil {
		return
	}
	m.handoffTimeouts.Inc()
}

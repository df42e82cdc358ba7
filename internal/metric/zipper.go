package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Zipper holds the correlator metrics.
type Zipper struct {
	Notifications prometheus.Counter
	Merged        *prometheus.CounterVec
	Evictions     prometheus.Counter
	QueueDrops    prometheus.Counter
	Lost          prometheus.Counter
	OutOfOrder    *prometheus.CounterVec
	Gaps          *prometheus.CounterVec
	ForwardDrops  prometheus.Counter
	QueueDepth    prometheus.Gauge
	Skew          prometheus.Histogram
}

// NewZipper creates correlator metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewZipper(reg prometheus.Registerer) *Zipper {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "zipper", Name: name, Help: help,
		})
	}
	perDevice := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "zipper", Name: name, Help: help,
		}, []string{"device"})
	}

	m := &Zipper{
		Notifications: counter("notifications_total", "Event notifications registered"),
		Merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "zipper", Name: "merged_total",
			Help: "Merged records written by status",
		}, []string{"status"}),
		Evictions:    counter("evictions_total", "Partial events overwritten by a colliding event number"),
		QueueDrops:   counter("queue_drops_total", "Completed events dropped because the ready queue was full"),
		Lost:         counter("lost_total", "Ready events whose slot was reused before draining"),
		OutOfOrder:   perDevice("out_of_order_total", "Event numbers that went backwards per device"),
		Gaps:         perDevice("gaps_total", "Event numbers skipped per device"),
		ForwardDrops: counter("forward_drops_total", "Merged records not forwarded due to rate limit"),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "zipper", Name: "ready_queue_depth",
			Help: "Completed events waiting to be drained",
		}),
		Skew: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "zipper", Name: "clock_skew_ticks",
			Help:    "Spread of device clocks within one merged event",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	register(reg, m.Notifications, m.Merged, m.Evictions, m.QueueDrops, m.Lost,
		m.OutOfOrder, m.Gaps, m.ForwardDrops, m.QueueDepth, m.Skew)
	return m
}

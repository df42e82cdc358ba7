package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Builder holds the per-device builder metrics.
type Builder struct {
	Events          prometheus.Counter
	Bytes           prometheus.Counter
	ResyncEntries   prometheus.Counter
	ProtocolErrors  *prometheus.CounterVec
	PublishFailures prometheus.Counter
	WriteFailures   prometheus.Counter
	Overruns        prometheus.Counter
	RingUsage       prometheus.Gauge
	Backpressure    prometheus.Gauge
	Connected       prometheus.Gauge
}

// NewBuilder creates builder metrics labelled with the device id and
// registers them with reg. A nil reg leaves them unregistered.
func NewBuilder(reg prometheus.Registerer, device uint8) *Builder {
	labels := prometheus.Labels{"device": strconv.Itoa(int(device))}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "builder", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "builder", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &Builder{
		Events:        counter("events_total", "Events decoded and dispatched"),
		Bytes:         counter("bytes_total", "Bytes received from the front-end"),
		ResyncEntries: counter("resync_entries_total", "Times the builder lost alignment"),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "builder", Name: "protocol_errors_total",
			Help: "Decoder and validation failures by kind", ConstLabels: labels,
		}, []string{"kind"}),
		PublishFailures: counter("publish_failures_total", "Broker publishes that failed"),
		WriteFailures:   counter("write_failures_total", "Event file writes that failed"),
		Overruns:        counter("ring_overruns_total", "Socket reads rejected for lack of ring space"),
		RingUsage:       gauge("ring_usage_ratio", "Pending bytes over ring capacity"),
		Backpressure:    gauge("backpressure_level", "0 normal, 1 warning, 2 critical, 3 emergency"),
		Connected:       gauge("connected", "1 while the front-end socket is up"),
	}
	register(reg, m.Events, m.Bytes, m.ResyncEntries, m.ProtocolErrors, m.PublishFailures,
		m.WriteFailures, m.Overruns, m.RingUsage, m.Backpressure, m.Connected)
	return m
}

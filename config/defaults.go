// Package config provides configuration defaults for the fnetdaq binaries.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the YAML config files or flags.
package config

import "time"

// =============================================================================
// Front-end Defaults
// =============================================================================

const (
	// DefaultFrontEndPort is the TCP port the front-end streams events on.
	// Override via config: frontend.port
	DefaultFrontEndPort = 5009

	// DefaultDialTimeout bounds a single connect attempt.
	// Override via config: frontend.dial_timeout
	DefaultDialTimeout = 2 * time.Second

	// DefaultPollTimeout is the receive deadline of one builder iteration.
	// It keeps the loop responsive to control requests and the stats tick
	// when the front-end is idle.
	// Override via config: frontend.poll_timeout
	DefaultPollTimeout = 100 * time.Millisecond
)

// =============================================================================
// Builder Defaults
// =============================================================================

const (
	// DefaultRingSize is the capacity of the receive ring.
	// Override via config: builder.ring_size
	DefaultRingSize = 10 * 1024 * 1024

	// DefaultMaxEventBytes is the decoder scratch capacity. It must not
	// exceed the ring size, or an oversize event could never be completed.
	// Override via config: builder.max_event_bytes
	DefaultMaxEventBytes = DefaultRingSize

	// DefaultStatsInterval is the builder and correlator stats tick.
	// Override via config: stats.interval
	DefaultStatsInterval = time.Second

	// DefaultControlAddress is where the builder's control server listens.
	// Override via config: control.listen
	DefaultControlAddress = "127.0.0.1:7400"
)

// =============================================================================
// Broker Defaults
// =============================================================================

const (
	// DefaultBrokerURL is the NATS server the binaries connect to.
	// Override via config: broker.url
	DefaultBrokerURL = "nats://127.0.0.1:4222"

	// DefaultSubjectPrefix prefixes every subject.
	// Override via config: broker.prefix
	DefaultSubjectPrefix = "daq"

	// DefaultSubscriptionBuffer is the capacity of the correlator's
	// notification channel.
	// Override via config: broker.buffer
	DefaultSubscriptionBuffer = 65536
)

// =============================================================================
// Correlator Defaults
// =============================================================================

const (
	// DefaultRegistrySize is the number of event slots. Event numbers more
	// than this far apart collide.
	// Override via config: zipper.registry_size
	DefaultRegistrySize = 1000

	// DefaultReadyQueueSize bounds completed events awaiting drain.
	// Override via config: zipper.queue_size
	DefaultReadyQueueSize = 100

	// DefaultCompleteMask is the device set that makes an event complete.
	// Override via config: zipper.complete_mask
	DefaultCompleteMask = 0x30

	// DefaultPrimaryDevice is written first in each merged record.
	// Override via config: zipper.primary_device
	DefaultPrimaryDevice = 1

	// MaxDevices is the number of device ids a 64-bit arrival mask can hold.
	MaxDevices = 64

	// DefaultForwardRate caps merged records forwarded to the broker per
	// second. Zero disables forwarding.
	// Override via config: zipper.forward_rate
	DefaultForwardRate = 200
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultMaxSegmentSize rotates event files at this size.
	// Override via config: output.max_segment_size
	DefaultMaxSegmentSize = 256 * 1024 * 1024

	// DefaultIndexRowGroup is the number of index rows per parquet row group.
	// Override via config: output.index_row_group
	DefaultIndexRowGroup = 4096

	// DefaultMaxSnapshotSize limits a framed stats snapshot when reading a
	// stats log back.
	DefaultMaxSnapshotSize = 1024 * 1024
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultShutdownTimeout bounds flushing files and draining the broker
	// connection after the first signal.
	DefaultShutdownTimeout = 5 * time.Second
)

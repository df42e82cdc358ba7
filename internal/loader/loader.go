// Package loader reads the YAML configuration of builderd and zipperd and
// converts it into the settings of the packages they wire together.
//
// Environment variables in the file are expanded before parsing, and the
// document is unmarshaled over the defaults, so a file only needs the keys
// it changes.
package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/builder"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/storage/eventfile"
	"github.com/xtxerr/fnetdaq/internal/storage/index"
	"github.com/xtxerr/fnetdaq/internal/transport"
	"github.com/xtxerr/fnetdaq/internal/zipper"
)

// =============================================================================
// Load
// =============================================================================

// LoadBuilder loads a builder document. An empty path returns the defaults.
func LoadBuilder(path string) (*BuilderConfig, error) {
	cfg := DefaultBuilderConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadZipper loads a zipper document. An empty path returns the defaults.
func LoadZipper(path string) (*ZipperConfig, error) {
	cfg := DefaultZipperConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the builder document.
func (c *BuilderConfig) Validate() error {
	errs := errors.NewValidationErrors()

	if _, err := protocol.ParseVariant(c.Variant); err != nil {
		errs.AddField("variant", fmt.Sprintf("%q is not ceres or fontus", c.Variant))
	}
	if c.Device >= config.MaxDevices {
		errs.AddField("device", "must be below 64")
	}
	if !c.DryRun && c.Replay == "" {
		if c.FrontEnd.Host == "" {
			errs.AddField("frontend.host", "cannot be empty")
		}
		if c.FrontEnd.Port <= 0 || c.FrontEnd.Port > 65535 {
			errs.AddField("frontend.port", "must be between 1 and 65535")
		}
	}
	if c.FrontEnd.PollTimeout <= 0 {
		errs.AddField("frontend.poll_timeout", "must be positive")
	}
	if c.Builder.RingSize <= 0 {
		errs.AddField("builder.ring_size", "must be positive")
	}
	if c.Builder.MaxEventBytes <= 0 || c.Builder.MaxEventBytes > c.Builder.RingSize {
		errs.AddField("builder.max_event_bytes", "must be positive and not exceed the ring size")
	}

	validateOutput(errs, &c.Output, c.Output.Save || c.Output.RawDump)
	validateBroker(errs, &c.Broker)

	if c.Stats.Interval <= 0 {
		errs.AddField("stats.interval", "must be positive")
	}

	bp := c.Backpressure
	if bp.Enabled && !(bp.Warning < bp.Critical && bp.Critical < bp.Emergency && bp.Emergency <= 1) {
		errs.AddField("backpressure", "thresholds must satisfy warning < critical < emergency <= 1")
	}

	return errs.Err()
}

// Validate validates the zipper document.
func (c *ZipperConfig) Validate() error {
	errs := errors.NewValidationErrors()

	z := c.Zipper
	if z.CompleteMask == 0 {
		errs.AddField("zipper.complete_mask", "cannot be empty")
	}
	if z.PrimaryDevice >= config.MaxDevices {
		errs.AddField("zipper.primary_device", "must be below 64")
	}
	if z.RegistrySize <= 0 {
		errs.AddField("zipper.registry_size", "must be positive")
	}
	if z.QueueSize <= 0 {
		errs.AddField("zipper.queue_size", "must be positive")
	}
	if z.ForwardRate < 0 {
		errs.AddField("zipper.forward_rate", "cannot be negative")
	}

	validateOutput(errs, &c.Output, c.Output.Save)
	validateBroker(errs, &c.Broker)
	if !c.Broker.Enabled {
		errs.AddField("broker.enabled", "the correlator needs the broker")
	}
	if c.Output.IndexRowsPerFile < 0 {
		errs.AddField("output.index_rows_per_file", "cannot be negative")
	}

	if c.Stats.Interval <= 0 {
		errs.AddField("stats.interval", "must be positive")
	}
	return errs.Err()
}

func validateOutput(errs *errors.ValidationErrors, o *OutputConfig, writes bool) {
	if writes && o.Dir == "" {
		errs.AddField("output.dir", "cannot be empty when writing files")
	}
	switch o.SyncMode {
	case "", "async", "sync", "fsync":
	default:
		errs.AddField("output.sync_mode", fmt.Sprintf("unknown mode %q", o.SyncMode))
	}
}

func validateBroker(errs *errors.ValidationErrors, b *BrokerConfig) {
	if b.Enabled && b.URL == "" {
		errs.AddField("broker.url", "cannot be empty when enabled")
	}
}

// =============================================================================
// Conversion: Builder
// =============================================================================

// BuilderSettings converts the document into builder settings. instance
// identifies the process in stats.
func (c *BuilderConfig) BuilderSettings(instance string) (builder.Config, error) {
	v, err := protocol.ParseVariant(c.Variant)
	if err != nil {
		return builder.Config{}, err
	}
	cfg := builder.DefaultConfig(c.Device, v)
	cfg.Instance = instance
	cfg.RingSize = int(c.Builder.RingSize.Bytes())
	cfg.MaxEventBytes = int(c.Builder.MaxEventBytes.Bytes())
	cfg.PollTimeout = c.FrontEnd.PollTimeout.Duration()
	cfg.StatsInterval = c.Stats.Interval.Duration()
	cfg.MaxEvents = c.Builder.MaxEvents
	cfg.Backpressure = c.Backpressure.Controller()
	return cfg, nil
}

// TransportSettings converts the front-end section.
func (c *BuilderConfig) TransportSettings() transport.Config {
	cfg := transport.DefaultConfig(c.FrontEnd.Addr())
	if c.FrontEnd.DialTimeout > 0 {
		cfg.DialTimeout = c.FrontEnd.DialTimeout.Duration()
	}
	cfg.PollTimeout = c.FrontEnd.PollTimeout.Duration()
	return cfg
}

// EventFileOptions returns the segment options for the device's event
// files; raw selects the wire dump instead.
func (c *BuilderConfig) EventFileOptions(raw bool) eventfile.Options {
	opts := segmentOptions(&c.Output)
	opts.Prefix = fmt.Sprintf("dev%02d", c.Device)
	if raw {
		opts.Ext = "raw"
	}
	return opts
}

// Subjects returns the broker subject names.
func (c *BuilderConfig) Subjects() broker.Subjects {
	return broker.NewSubjects(c.Broker.Prefix)
}

// =============================================================================
// Conversion: Zipper
// =============================================================================

// CorrelatorSettings converts the zipper section.
func (c *ZipperConfig) CorrelatorSettings() zipper.Config {
	return zipper.Config{
		CompleteMask:  uint64(c.Zipper.CompleteMask),
		PrimaryDevice: c.Zipper.PrimaryDevice,
		RegistrySize:  c.Zipper.RegistrySize,
		QueueSize:     c.Zipper.QueueSize,
	}
}

// ServiceSettings converts the broker loop settings.
func (c *ZipperConfig) ServiceSettings(instance string) zipper.ServiceConfig {
	cfg := zipper.DefaultServiceConfig()
	cfg.Instance = instance
	cfg.Subjects = broker.NewSubjects(c.Broker.Prefix)
	if c.Broker.Buffer > 0 {
		cfg.Buffer = c.Broker.Buffer
	}
	cfg.StatsInterval = c.Stats.Interval.Duration()
	cfg.MaxEvents = c.Zipper.MaxEvents
	return cfg
}

// MergedOptions returns the segment options for merged files.
func (c *ZipperConfig) MergedOptions() eventfile.Options {
	opts := segmentOptions(&c.Output)
	opts.Prefix = "merged"
	opts.Ext = "zip"
	return opts
}

// IndexOptions returns the parquet index options.
func (c *ZipperConfig) IndexOptions() index.Options {
	opts := index.DefaultOptions()
	if c.Output.IndexRowGroup > 0 {
		opts.RowGroupSize = c.Output.IndexRowGroup
	}
	opts.RowsPerFile = c.Output.IndexRowsPerFile
	return opts
}

func segmentOptions(o *OutputConfig) eventfile.Options {
	opts := eventfile.DefaultOptions()
	if o.MaxSegmentSize > 0 {
		opts.MaxSegmentSize = o.MaxSegmentSize.Bytes()
	}
	if o.SyncMode != "" {
		opts.SyncMode = o.SyncMode
	}
	opts.Compress = o.Compress
	return opts
}

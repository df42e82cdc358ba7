// Package loader - Configuration Types
//
// Defines the YAML documents read by builderd and zipperd.
//
//	builder.yaml                     zipper.yaml
//	  device, variant, dry_run         zipper:   mask, primary, table sizes
//	  frontend: host, port, timeouts   output:   merged files + parquet index
//	  builder:  ring, limits           broker:   NATS url, prefix
//	  output:   event file, raw dump   metrics:  Prometheus listener
//	  broker:   NATS url, prefix       stats:    interval, stats log
//	  control:  line protocol          log:      verbosity, format, file
//	  metrics, stats, log
//	  backpressure
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/backpressure"
)

// =============================================================================
// Builder Document
// =============================================================================

// BuilderConfig is the configuration of one builderd process.
type BuilderConfig struct {
	// Device is the front-end's device id.
	Device uint8 `yaml:"device"`

	// Variant is "ceres" or "fontus".
	Variant string `yaml:"variant"`

	// DryRun runs without a front-end: the control channel and stats work,
	// nothing is built.
	DryRun bool `yaml:"dry_run"`

	// Replay reads a recorded raw dump instead of dialing the front-end.
	Replay string `yaml:"replay"`

	FrontEnd     FrontEndConfig     `yaml:"frontend"`
	Builder      BuilderSection     `yaml:"builder"`
	Output       OutputConfig       `yaml:"output"`
	Broker       BrokerConfig       `yaml:"broker"`
	Control      ControlConfig      `yaml:"control"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Stats        StatsConfig        `yaml:"stats"`
	Log          LogConfig          `yaml:"log"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

// FrontEndConfig addresses the hardware front-end.
type FrontEndConfig struct {
	Host string `yaml:"host"`

	// Port defaults to 5009.
	Port int `yaml:"port"`

	DialTimeout Duration `yaml:"dial_timeout"`

	// PollTimeout bounds one receive so the loop can serve control
	// requests. Default: 100ms
	PollTimeout Duration `yaml:"poll_timeout"`
}

// Addr returns host:port.
func (f FrontEndConfig) Addr() string {
	return f.Host + ":" + strconv.Itoa(f.Port)
}

// BuilderSection holds ring and decoder limits.
type BuilderSection struct {
	// RingSize accepts "10MB" style sizes. Default: 10MB
	RingSize ByteSize `yaml:"ring_size"`

	// MaxEventBytes caps one decoded event. Default: the ring size
	MaxEventBytes ByteSize `yaml:"max_event_bytes"`

	// MaxEvents exits after this many events. Zero runs forever.
	MaxEvents uint64 `yaml:"max_events"`
}

// OutputConfig controls on-disk output.
type OutputConfig struct {
	Dir string `yaml:"dir"`

	// Save writes the event (or merged) files. Disabling it keeps only
	// broker publication.
	Save bool `yaml:"save"`

	// RawDump also writes the undecoded wire bytes of every event.
	RawDump bool `yaml:"raw_dump"`

	// Compress wraps segments in LZ4 frames.
	Compress bool `yaml:"compress"`

	MaxSegmentSize ByteSize `yaml:"max_segment_size"`

	// SyncMode is "async", "sync" or "fsync".
	SyncMode string `yaml:"sync_mode"`

	// IndexRowGroup and IndexRowsPerFile size the parquet index (zipper).
	IndexRowGroup    int   `yaml:"index_row_group"`
	IndexRowsPerFile int64 `yaml:"index_rows_per_file"`
}

// BrokerConfig addresses the NATS server.
type BrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix"`

	// Buffer is the subscription channel capacity (zipper).
	Buffer int `yaml:"buffer"`
}

// ControlConfig configures the builder's control server.
type ControlConfig struct {
	// Listen is the TCP address; empty disables the server.
	Listen         string   `yaml:"listen"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// StatsConfig controls the stats tick.
type StatsConfig struct {
	Interval Duration `yaml:"interval"`

	// Log appends every snapshot, framed, to this file.
	Log string `yaml:"log"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Verbosity counts -v (positive) and -q (negative) flags.
	Verbosity int    `yaml:"verbosity"`
	JSON      bool   `yaml:"json"`
	File      string `yaml:"file"`
}

// BackpressureConfig mirrors backpressure.Config with YAML durations.
type BackpressureConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Warning    float64  `yaml:"warning"`
	Critical   float64  `yaml:"critical"`
	Emergency  float64  `yaml:"emergency"`
	Hysteresis float64  `yaml:"hysteresis"`
	Cooldown   Duration `yaml:"cooldown"`
}

// Controller returns the controller configuration.
func (b BackpressureConfig) Controller() backpressure.Config {
	return backpressure.Config{
		Enabled:    b.Enabled,
		Warning:    b.Warning,
		Critical:   b.Critical,
		Emergency:  b.Emergency,
		Hysteresis: b.Hysteresis,
		Cooldown:   b.Cooldown.Duration(),
	}
}

// =============================================================================
// Zipper Document
// =============================================================================

// ZipperConfig is the configuration of the zipperd process.
type ZipperConfig struct {
	Zipper  ZipperSection `yaml:"zipper"`
	Output  OutputConfig  `yaml:"output"`
	Broker  BrokerConfig  `yaml:"broker"`
	Metrics MetricsConfig `yaml:"metrics"`
	Stats   StatsConfig   `yaml:"stats"`
	Log     LogConfig     `yaml:"log"`
}

// ZipperSection holds correlator settings.
type ZipperSection struct {
	// CompleteMask accepts 0x30, 48 or a device list such as [4, 5].
	CompleteMask  Mask  `yaml:"complete_mask"`
	PrimaryDevice uint8 `yaml:"primary_device"`
	RegistrySize  int   `yaml:"registry_size"`
	QueueSize     int   `yaml:"queue_size"`

	// ForwardRate caps merged records forwarded per second; zero disables
	// forwarding.
	ForwardRate float64 `yaml:"forward_rate"`

	MaxEvents uint64 `yaml:"max_events"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultBuilderConfig returns a builder document with all defaults.
func DefaultBuilderConfig() *BuilderConfig {
	bp := backpressure.DefaultConfig()
	return &BuilderConfig{
		Variant: "ceres",
		FrontEnd: FrontEndConfig{
			Host:        "127.0.0.1",
			Port:        config.DefaultFrontEndPort,
			DialTimeout: Duration(config.DefaultDialTimeout),
			PollTimeout: Duration(config.DefaultPollTimeout),
		},
		Builder: BuilderSection{
			RingSize:      ByteSize(config.DefaultRingSize),
			MaxEventBytes: ByteSize(config.DefaultMaxEventBytes),
		},
		Output: OutputConfig{
			Dir:            "data",
			Save:           true,
			MaxSegmentSize: ByteSize(config.DefaultMaxSegmentSize),
			SyncMode:       "async",
		},
		Broker: BrokerConfig{
			Enabled: true,
			URL:     config.DefaultBrokerURL,
			Prefix:  config.DefaultSubjectPrefix,
		},
		Control: ControlConfig{
			Listen:         config.DefaultControlAddress,
			RequestTimeout: Duration(2 * time.Second),
		},
		Stats: StatsConfig{
			Interval: Duration(config.DefaultStatsInterval),
		},
		Backpressure: BackpressureConfig{
			Enabled:    bp.Enabled,
			Warning:    bp.Warning,
			Critical:   bp.Critical,
			Emergency:  bp.Emergency,
			Hysteresis: bp.Hysteresis,
			Cooldown:   Duration(bp.Cooldown),
		},
	}
}

// DefaultZipperConfig returns a zipper document with all defaults.
func DefaultZipperConfig() *ZipperConfig {
	return &ZipperConfig{
		Zipper: ZipperSection{
			CompleteMask:  Mask(config.DefaultCompleteMask),
			PrimaryDevice: config.DefaultPrimaryDevice,
			RegistrySize:  config.DefaultRegistrySize,
			QueueSize:     config.DefaultReadyQueueSize,
			ForwardRate:   config.DefaultForwardRate,
		},
		Output: OutputConfig{
			Dir:              "data",
			Save:             true,
			MaxSegmentSize:   ByteSize(config.DefaultMaxSegmentSize),
			SyncMode:         "async",
			IndexRowGroup:    config.DefaultIndexRowGroup,
			IndexRowsPerFile: 16 * config.DefaultIndexRowGroup,
		},
		Broker: BrokerConfig{
			Enabled: true,
			URL:     config.DefaultBrokerURL,
			Prefix:  config.DefaultSubjectPrefix,
			Buffer:  config.DefaultSubscriptionBuffer,
		},
		Stats: StatsConfig{
			Interval: Duration(config.DefaultStatsInterval),
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Plain integers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered so "MB" is tried before "B".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// Mask is a device bitmask. YAML accepts an integer in any base ("0x30"),
// or a list of device ids.
type Mask uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mask) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*m = Mask(n)
		return nil
	}

	var devices []int
	if err := unmarshal(&devices); err == nil {
		var v uint64
		for _, d := range devices {
			if d < 0 || d >= config.MaxDevices {
				return fmt.Errorf("device id %d out of range", d)
			}
			v |= 1 << d
		}
		*m = Mask(v)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseMask(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMask parses a mask written as an integer literal, e.g. "0x30".
func ParseMask(s string) (Mask, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mask %q: %w", s, err)
	}
	return Mask(v), nil
}

// String formats the mask in hex.
func (m Mask) String() string {
	return "0x" + strconv.FormatUint(uint64(m), 16)
}

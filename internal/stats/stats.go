// Package stats defines the periodic snapshots published by the builder and
// the correlator, and their protobuf encoding.
//
// Snapshots travel as google.protobuf.Struct so consumers need no generated
// code. Numbers are carried as doubles; counters stay exact below 2^53.
package stats

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Kind tags a snapshot with its producer.
const (
	KindBuilder = "builder"
	KindZipper  = "zipper"
)

// Builder is one builder stats tick.
type Builder struct {
	Instance  string
	Device    uint8
	Variant   string
	Pid       int
	Time      time.Time
	Uptime    time.Duration
	Connected bool
	Resyncing bool

	Events      uint64
	Bytes       uint64
	LastTrigger uint32
	LastClock   uint64
	LastDevice  uint8

	ResyncsSinceTick uint64
	ResyncEntries    uint64
	DroppedBytes     uint64
	HeaderErrors     uint64
	ChannelErrors    uint64
	ValidationErrors uint64
	OversizeEvents   uint64
	PublishFailures  uint64
	WriteFailures    uint64
	Overruns         uint64

	RingWrite    int
	RingScan     int
	RingEvent    int
	RingUsage    float64
	Backpressure string
}

// Zipper is one correlator stats tick.
type Zipper struct {
	Instance string
	Time     time.Time
	Uptime   time.Duration
	Run      uint32
	SubRun   uint32

	Notifications uint64
	Complete      uint64
	Incomplete    uint64
	Evictions     uint64
	QueueDrops    uint64
	Lost          uint64
	ForwardDrops  uint64
	QueueDepth    int

	MaxSkew uint64
	SkewP50 float64
	SkewP99 float64

	OutOfOrder map[uint8]uint64
	Gaps       map[uint8]uint64
}

// Struct converts the snapshot to a protobuf Struct.
func (b *Builder) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"kind":               KindBuilder,
		"instance":           b.Instance,
		"device":             float64(b.Device),
		"variant":            b.Variant,
		"pid":                float64(b.Pid),
		"time":               b.Time.UTC().Format(time.RFC3339Nano),
		"uptime_seconds":     b.Uptime.Seconds(),
		"connected":          b.Connected,
		"resyncing":          b.Resyncing,
		"events":             float64(b.Events),
		"bytes":              float64(b.Bytes),
		"last_trigger":       float64(b.LastTrigger),
		"last_clock":         float64(b.LastClock),
		"last_device":        float64(b.LastDevice),
		"resyncs_since_tick": float64(b.ResyncsSinceTick),
		"resync_entries":     float64(b.ResyncEntries),
		"dropped_bytes":      float64(b.DroppedBytes),
		"header_errors":      float64(b.HeaderErrors),
		"channel_errors":     float64(b.ChannelErrors),
		"validation_errors":  float64(b.ValidationErrors),
		"oversize_events":    float64(b.OversizeEvents),
		"publish_failures":   float64(b.PublishFailures),
		"write_failures":     float64(b.WriteFailures),
		"overruns":           float64(b.Overruns),
		"ring": map[string]any{
			"write": float64(b.RingWrite),
			"scan":  float64(b.RingScan),
			"event": float64(b.RingEvent),
			"usage": b.RingUsage,
		},
		"backpressure": b.Backpressure,
	})
}

// Struct converts the snapshot to a protobuf Struct.
func (z *Zipper) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"kind":           KindZipper,
		"instance":       z.Instance,
		"time":           z.Time.UTC().Format(time.RFC3339Nano),
		"uptime_seconds": z.Uptime.Seconds(),
		"run":            float64(z.Run),
		"sub_run":        float64(z.SubRun),
		"notifications":  float64(z.Notifications),
		"complete":       float64(z.Complete),
		"incomplete":     float64(z.Incomplete),
		"evictions":      float64(z.Evictions),
		"queue_drops":    float64(z.QueueDrops),
		"lost":           float64(z.Lost),
		"forward_drops":  float64(z.ForwardDrops),
		"queue_depth":    float64(z.QueueDepth),
		"skew": map[string]any{
			"max": float64(z.MaxSkew),
			"p50": z.SkewP50,
			"p99": z.SkewP99,
		},
		"out_of_order": deviceMap(z.OutOfOrder),
		"gaps":         deviceMap(z.Gaps),
	})
}

func deviceMap(m map[uint8]uint64) map[string]any {
	out := make(map[string]any, len(m))
	for _, dev := range slices.Sorted(maps.Keys(m)) {
		out[strconv.Itoa(int(dev))] = float64(m[dev])
	}
	return out
}

// Marshal encodes the builder snapshot in protobuf binary form.
func (b *Builder) Marshal() ([]byte, error) {
	s, err := b.Struct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Marshal encodes the correlator snapshot in protobuf binary form.
func (z *Zipper) Marshal() ([]byte, error) {
	s, err := z.Struct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Unmarshal decodes a snapshot produced by either Marshal.
func Unmarshal(data []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRecord, "stats snapshot: %v", err)
	}
	return s, nil
}

// Kind returns the producer tag of a decoded snapshot.
func Kind(s *structpb.Struct) string {
	return s.GetFields()["kind"].GetStringValue()
}

// Format renders a decoded snapshot as indented JSON for operators.
func Format(s *structpb.Struct) string {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Format(s)
}

// Line renders a snapshot on a single line.
func Line(s *structpb.Struct) string {
	return protojson.MarshalOptions{}.Format(s)
}

// ParseLine reverses Line.
func ParseLine(line string) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal([]byte(line), s); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRecord, "stats line: %v", err)
	}
	return s, nil
}

// BuilderFromStruct reverses Builder.Struct.
func BuilderFromStruct(s *structpb.Struct) (*Builder, error) {
	if Kind(s) != KindBuilder {
		return nil, errors.Wrapf(errors.ErrInvalidRecord, "snapshot kind %q is not %s", Kind(s), KindBuilder)
	}
	f := fields(s)
	ring := fields(s.GetFields()["ring"].GetStructValue())
	return &Builder{
		Instance:         f.str("instance"),
		Device:           uint8(f.num("device")),
		Variant:          f.str("variant"),
		Pid:              int(f.num("pid")),
		Time:             f.timestamp("time"),
		Uptime:           f.seconds("uptime_seconds"),
		Connected:        f.flag("connected"),
		Resyncing:        f.flag("resyncing"),
		Events:           uint64(f.num("events")),
		Bytes:            uint64(f.num("bytes")),
		LastTrigger:      uint32(f.num("last_trigger")),
		LastClock:        uint64(f.num("last_clock")),
		LastDevice:       uint8(f.num("last_device")),
		ResyncsSinceTick: uint64(f.num("resyncs_since_tick")),
		ResyncEntries:    uint64(f.num("resync_entries")),
		DroppedBytes:     uint64(f.num("dropped_bytes")),
		HeaderErrors:     uint64(f.num("header_errors")),
		ChannelErrors:    uint64(f.num("channel_errors")),
		ValidationErrors: uint64(f.num("validation_errors")),
		OversizeEvents:   uint64(f.num("oversize_events")),
		PublishFailures:  uint64(f.num("publish_failures")),
		WriteFailures:    uint64(f.num("write_failures")),
		Overruns:         uint64(f.num("overruns")),
		RingWrite:        int(ring.num("write")),
		RingScan:         int(ring.num("scan")),
		RingEvent:        int(ring.num("event")),
		RingUsage:        ring.num("usage"),
		Backpressure:     f.str("backpressure"),
	}, nil
}

// ZipperFromStruct reverses Zipper.Struct.
func ZipperFromStruct(s *structpb.Struct) (*Zipper, error) {
	if Kind(s) != KindZipper {
		return nil, errors.Wrapf(errors.ErrInvalidRecord, "snapshot kind %q is not %s", Kind(s), KindZipper)
	}
	f := fields(s)
	skew := fields(s.GetFields()["skew"].GetStructValue())
	return &Zipper{
		Instance:      f.str("instance"),
		Time:          f.timestamp("time"),
		Uptime:        f.seconds("uptime_seconds"),
		Run:           uint32(f.num("run")),
		SubRun:        uint32(f.num("sub_run")),
		Notifications: uint64(f.num("notifications")),
		Complete:      uint64(f.num("complete")),
		Incomplete:    uint64(f.num("incomplete")),
		Evictions:     uint64(f.num("evictions")),
		QueueDrops:    uint64(f.num("queue_drops")),
		Lost:          uint64(f.num("lost")),
		ForwardDrops:  uint64(f.num("forward_drops")),
		QueueDepth:    int(f.num("queue_depth")),
		MaxSkew:       uint64(skew.num("max")),
		SkewP50:       skew.num("p50"),
		SkewP99:       skew.num("p99"),
		OutOfOrder:    f.devices("out_of_order"),
		Gaps:          f.devices("gaps"),
	}, nil
}

type fieldMap map[string]*structpb.Value

func fields(s *structpb.Struct) fieldMap {
	return s.GetFields()
}

func (f fieldMap) num(key string) float64 { return f[key].GetNumberValue() }
func (f fieldMap) str(key string) string { return f[key].GetStringValue() }
func (f fieldMap) flag(key string) bool { return f[key].GetBoolValue() }

func (f fieldMap) seconds(key string) time.Duration {
	return time.Duration(f.num(key) * float64(time.Second))
}

func (f fieldMap) timestamp(key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, f.str(key))
	return t
}

func (f fieldMap) devices(key string) map[uint8]uint64 {
	out := make(map[uint8]uint64)
	for k, v := range f[key].GetStructValue().GetFields() {
		dev, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			continue
		}
		out[uint8(dev)] = uint64(v.GetNumberValue())
	}
	return out
}

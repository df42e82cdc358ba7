package broker

import (
	"strconv"
	"strings"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "daq"

// Subjects builds the subject names shared by builders and the correlator.
//
//	<prefix>.event.<dev>          full event payload
//	<prefix>.header.<dev>         header bytes only
//	<prefix>.stats.builder.<dev>  builder stats snapshot
//	<prefix>.merged               correlated record (zstd)
//	<prefix>.stats.zipper         correlator stats snapshot
//	<prefix>.runcontrol           run / sub-run messages
type Subjects struct {
	Prefix string
}

// NewSubjects returns a Subjects with prefix, or DefaultPrefix when empty.
func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{Prefix: prefix}
}

func (s Subjects) join(parts ...string) string {
	return s.Prefix + "." + strings.Join(parts, ".")
}

// Event returns the full payload subject for a device.
func (s Subjects) Event(device uint8) string {
	return s.join("event", strconv.Itoa(int(device)))
}

// Header returns the header-only subject for a device.
func (s Subjects) Header(device uint8) string {
	return s.join("header", strconv.Itoa(int(device)))
}

// Events returns the wildcard matching every device's event subject.
func (s Subjects) Events() string {
	return s.join("event", "*")
}

// BuilderStats returns the stats subject of a builder.
func (s Subjects) BuilderStats(device uint8) string {
	return s.join("stats", "builder", strconv.Itoa(int(device)))
}

// Merged returns the correlated record subject.
func (s Subjects) Merged() string {
	return s.join("merged")
}

// ZipperStats returns the correlator stats subject.
func (s Subjects) ZipperStats() string {
	return s.join("stats", "zipper")
}

// RunControl returns the run-control subject.
func (s Subjects) RunControl() string {
	return s.join("runcontrol")
}

// DeviceOf extracts the device id from an event or header subject.
func (s Subjects) DeviceOf(subject string) (uint8, error) {
	rest, ok := strings.CutPrefix(subject, s.Prefix+".")
	if !ok {
		return 0, errors.Wrapf(errors.ErrInvalidRecord, "subject %q outside prefix %q", subject, s.Prefix)
	}
	kind, dev, ok := strings.Cut(rest, ".")
	if !ok || (kind != "event" && kind != "header") {
		return 0, errors.Wrapf(errors.ErrInvalidRecord, "subject %q is not a device subject", subject)
	}
	n, err := strconv.ParseUint(dev, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidRecord, "subject %q: device %q", subject, dev)
	}
	return uint8(n), nil
}

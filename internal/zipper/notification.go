package zipper

import (
	"encoding/binary"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/protocol"
)

// minPayload is the smallest header either variant produces.
const minPayload = 20

// Notification is one device's decoded event as seen by the correlator.
type Notification struct {
	Device  uint8
	EventID uint32
	Clock   uint64
	Payload []byte
}

// ParseNotification reads the event number, clock and device id from the
// header of a published payload. The payload is retained, not copied.
func ParseNotification(payload []byte) (Notification, error) {
	if len(payload) < minPayload {
		return Notification{}, errors.Wrapf(errors.ErrInvalidRecord, "payload of %d bytes", len(payload))
	}
	n := Notification{
		Device:  payload[protocol.OffsetDevice],
		EventID: binary.BigEndian.Uint32(payload[protocol.OffsetTrigger:]),
		Clock:   binary.BigEndian.Uint64(payload[protocol.OffsetClock:]),
		Payload: payload,
	}
	if n.Device >= config.MaxDevices {
		return Notification{}, errors.Wrapf(errors.ErrInvalidRecord, "device id %d out of range", n.Device)
	}
	return n, nil
}

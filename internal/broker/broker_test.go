package broker

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

func TestSubjects(t *testing.T) {
	s := NewSubjects("fnet.")

	assert.Equal(t, "fnet.event.7", s.Event(7))
	assert.Equal(t, "fnet.header.12", s.Header(12))
	assert.Equal(t, "fnet.event.*", s.Events())
	assert.Equal(t, "fnet.stats.builder.3", s.BuilderStats(3))
	assert.Equal(t, "fnet.merged", s.Merged())
	assert.Equal(t, "fnet.stats.zipper", s.ZipperStats())
	assert.Equal(t, "fnet.runcontrol", s.RunControl())

	assert.Equal(t, DefaultPrefix, NewSubjects("").Prefix)
}

func TestSubjects_DeviceOf(t *testing.T) {
	s := NewSubjects("daq")

	tests := []struct {
		subject string
		want    uint8
		wantErr bool
	}{
		{"daq.event.0", 0, false},
		{"daq.event.63", 63, false},
		{"daq.header.5", 5, false},
		{"daq.merged", 0, true},
		{"daq.event.x", 0, true},
		{"daq.event.300", 0, true},
		{"other.event.1", 0, true},
		{"daq.stats.builder.1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := s.DeviceOf(tt.subject)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidRecord)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "closed", StatusClosed.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(nats.DefaultURL, WithName("test"))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, nats.DefaultURL, c.URL())

	err := c.Publish("daq.event.1", []byte{1})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.True(t, errors.IsRetriable(err))

	assert.ErrorIs(t, c.ChanSubscribe("daq.event.*", make(chan *nats.Msg, 1)), errors.ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe("daq.runcontrol", func(string, []byte) {}), errors.ErrNotConnected)

	published, failed := c.Stats()
	assert.Zero(t, published)
	assert.Equal(t, int64(1), failed)

	require.NoError(t, c.Close())
	assert.Equal(t, StatusClosed, c.Status())
}

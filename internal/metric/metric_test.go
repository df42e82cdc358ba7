package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, r *Registry) map[string]bool {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestBuilderMetrics_Registered(t *testing.T) {
	r := NewRegistry()
	m := NewBuilder(r.Registerer(), 3)

	m.Events.Inc()
	m.ProtocolErrors.WithLabelValues("header_checksum").Inc()
	m.RingUsage.Set(0.25)

	names := gatherNames(t, r)
	assert.True(t, names["fnetdaq_builder_events_total"])
	assert.True(t, names["fnetdaq_builder_protocol_errors_total"])
	assert.True(t, names["fnetdaq_builder_ring_usage_ratio"])
	assert.True(t, names["go_goroutines"])
}

func TestZipperMetrics_Registered(t *testing.T) {
	r := NewRegistry()
	m := NewZipper(r.Registerer())

	m.Merged.WithLabelValues("complete").Inc()
	m.Gaps.WithLabelValues("2").Add(3)
	m.Skew.Observe(12)

	names := gatherNames(t, r)
	assert.True(t, names["fnetdaq_zipper_merged_total"])
	assert.True(t, names["fnetdaq_zipper_gaps_total"])
	assert.True(t, names["fnetdaq_zipper_clock_skew_ticks"])
}

func TestNilRegisterer(t *testing.T) {
	assert.NotPanics(t, func() {
		NewBuilder(nil, 0).Events.Inc()
		NewZipper(nil).Evictions.Inc()
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	NewBuilder(r.Registerer(), 1).Events.Add(5)

	srv := httptest.NewServer(r.Handler(""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `fnetdaq_builder_events_total{device="1"} 5`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllCounters(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["scanbridge_sessions_created_total"])
	require.True(t, names["scanbridge_sessions_expired_total"])
	require.True(t, names["scanbridge_pages_transferred_total"])
	require.True(t, names["scanbridge_scan_errors_total"])
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(SessionsCreated)
	SessionsCreated.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(SessionsCreated))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathersAllSeries(t *testing.T) {
	CyclesTotal.WithLabelValues("halted").Add(3)
	HaltsTotal.Inc()
	PanicsTotal.WithLabelValues("DIV_BY_ZERO").Inc()

	families, err := Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["ihvm_cycles_total"])
	require.True(t, names["ihvm_panics_total"])
	require.True(t, names["ihvm_halts_total"])
	require.True(t, names["ihvm_cycles_per_invocation"])
	require.True(t, names["ihvm_messages_sent_total"])
}

func TestPanicsTotalLabeledByCode(t *testing.T) {
	before := testutil.ToFloat64(PanicsTotal.WithLabelValues("OUT_OF_BOUNDS"))
	PanicsTotal.WithLabelValues("OUT_OF_BOUNDS").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(PanicsTotal.WithLabelValues("OUT_OF_BOUNDS")))
}

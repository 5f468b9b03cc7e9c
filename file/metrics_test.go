package file

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.transferStarted(DirectionOutgoing)
		m.transferCompleted(DirectionIncoming, MethodIBB, 10)
		m.transferFailed(DirectionOutgoing, "timeout")
		m.fallback()
	})
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.transferStarted(DirectionOutgoing)
	m.transferCompleted(DirectionOutgoing, MethodBytestreams, 2048)
	m.transferFailed(DirectionIncoming, "hash-mismatch")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.started.WithLabelValues("outgoing")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.bytes.WithLabelValues("outgoing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failed.WithLabelValues("incoming", "hash-mismatch")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "xmppft_transfers_completed_total")
	assert.Contains(t, names, "xmppft_transfers_failed_total")
}

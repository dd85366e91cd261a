package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Turn("collecting")
	m.Turn("collecting")
	m.Turn("finalized")
	m.QuotaDecision("free", true)
	m.QuotaDecision("free", false)
	m.Throttled()
	m.InvoiceCreated("conversation")
	m.ExtractionAttempt(OutcomeError)
	m.Render(OutcomeOK, 0.2)

	require.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("collecting")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("finalized")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("free", OutcomeRejected)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("free", OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.throttled))
	require.Equal(t, 1.0, testutil.ToFloat64(m.invoicesCreated.WithLabelValues("conversation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.extractionAttempts.WithLabelValues(OutcomeError)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.renders.WithLabelValues(OutcomeOK)))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Turn("ready")
		m.QuotaDecision("pro", true)
		m.Throttled()
		m.Render(OutcomeError, 1)
	})
}

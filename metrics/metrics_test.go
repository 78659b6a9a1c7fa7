package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/warp/policy-engine/metrics"
)

func TestMetrics_Records(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveConversion("created", time.Now())
	m.ObserveConversion("created", time.Now())
	m.ObservePass("retire", 3, 1, 2, time.Now())
	m.IncFinding("COUNT_DRIFT")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Conversions.WithLabelValues("created")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PassRecords.WithLabelValues("retire", "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PassRecords.WithLabelValues("retire", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFindings.WithLabelValues("COUNT_DRIFT")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveConversion("created", time.Now())
		m.IncUsage("payment")
		m.ObservePass("refresh", 1, 0, 0, time.Now())
		m.IncFinding("INCONSISTENT")
		m.IncTxTimeout("convert")
	})
}

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"videocache/internal/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNew_SettersUpdateUnderlyingCollectors(t *testing.T) {
	c := metrics.New()

	c.SetCacheBytes(1024)
	require.Equal(t, float64(1024), gaugeValue(t, c.CacheBytes))

	c.SetInFlight(3)
	require.Equal(t, float64(3), gaugeValue(t, c.InFlightDownloads))

	c.SetBandwidth(512.5)
	require.Equal(t, 512.5, gaugeValue(t, c.BandwidthKiBps))

	c.AddEviction(4096)
	require.Equal(t, float64(1), counterValue(t, c.EvictionRuns))
	require.Equal(t, float64(4096), counterValue(t, c.EvictedBytes))

	c.IncSegmentFailure()
	require.Equal(t, float64(1), counterValue(t, c.SegmentFailures))
}

func TestNilCollector_SettersAreNoop(t *testing.T) {
	var c *metrics.Collector
	require.NotPanics(t, func() {
		c.SetCacheBytes(1)
		c.SetInFlight(1)
		c.SetBandwidth(1)
		c.AddEviction(1)
		c.ObserveStatus("200")
		c.IncSegmentFailure()
	})
}

func TestCollectors_ReturnsEveryMetric(t *testing.T) {
	c := metrics.New()
	require.Len(t, c.Collectors(), 7)
}

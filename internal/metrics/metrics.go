// Package metrics exposes the cache's operational counters and gauges as
// Prometheus collectors, in the shape of the retrieval pack's
// torrent-engine and xg2g metrics packages. The components that report
// metrics (fetch, downloader, evictor, network, prefetch) accept a
// *Collector and treat a nil one as a no-op, so the engine never
// requires a metrics backend to function. hlscache, cachefs and
// metadata take no Collector.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector groups every metric the cache publishes. Construct one with
// New and register it with a prometheus.Registerer of the caller's
// choosing; the core packages never register anything themselves.
type Collector struct {
	CacheBytes        prometheus.Gauge
	InFlightDownloads prometheus.Gauge
	EvictionRuns      prometheus.Counter
	EvictedBytes      prometheus.Counter
	BandwidthKiBps    prometheus.Gauge
	HTTPStatusTotal   *prometheus.CounterVec
	// SegmentFailures is not incremented by any package: the HLS
	// manager takes no Collector and only logs swallowed failures.
	SegmentFailures   prometheus.Counter
}

// New builds a Collector with the "videocache" namespace.
func New() *Collector {
	return &Collector{
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videocache",
			Name:      "cache_bytes",
			Help:      "Total bytes under the cache directory, as left by the last eviction pass that found the cache over its limit.",
		}),
		InFlightDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videocache",
			Name:      "in_flight_downloads",
			Help:      "Number of URLs with an active download right now.",
		}),
		EvictionRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videocache",
			Name:      "eviction_runs_total",
			Help:      "Number of eviction passes that actually deleted entries.",
		}),
		EvictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videocache",
			Name:      "evicted_bytes_total",
			Help:      "Total bytes reclaimed by eviction.",
		}),
		BandwidthKiBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videocache",
			Name:      "bandwidth_kibps",
			Help:      "Rolling-average estimated bandwidth in KiB/s.",
		}),
		HTTPStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videocache",
			Name:      "upstream_http_status_total",
			Help:      "Upstream HTTP responses by status class.",
		}, []string{"status"}),
		SegmentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videocache",
			Name:      "hls_segment_failures_total",
			Help:      "Segment downloads that failed and were swallowed by the HLS loop.",
		}),
	}
}

// Collectors returns every metric so callers can register them in one
// call: registerer.MustRegister(collector.Collectors()...).
func (c *Collector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.CacheBytes, c.InFlightDownloads, c.EvictionRuns,
		c.EvictedBytes, c.BandwidthKiBps, c.HTTPStatusTotal, c.SegmentFailures,
	}
}

// The Set*/Inc*/Observe* helpers below are nil-receiver safe so callers
// can pass a nil *Collector when no metrics backend is configured.

func (c *Collector) SetCacheBytes(v float64) {
	if c != nil {
		c.CacheBytes.Set(v)
	}
}

func (c *Collector) SetInFlight(v float64) {
	if c != nil {
		c.InFlightDownloads.Set(v)
	}
}

func (c *Collector) AddEviction(bytes float64) {
	if c != nil {
		c.EvictionRuns.Inc()
		c.EvictedBytes.Add(bytes)
	}
}

func (c *Collector) SetBandwidth(kibps float64) {
	if c != nil {
		c.BandwidthKiBps.Set(kibps)
	}
}

func (c *Collector) ObserveStatus(status string) {
	if c != nil {
		c.HTTPStatusTotal.WithLabelValues(status).Inc()
	}
}

func (c *Collector) IncSegmentFailure() {
	if c != nil {
		c.SegmentFailures.Inc()
	}
}

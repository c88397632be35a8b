// Package network implements the NetworkQualityMonitor: a rolling
// bandwidth estimate that drives the prefetch controller's ahead/behind
// budget. It is grounded on the teacher's bandwidth-adaptive variant
// selection in internal/mpd_manager (a moving window of recent segment
// download rates feeding a representation choice), retargeted from
// picking a DASH representation to picking a prefetch_config profile.
package network

import (
	"sync"
	"time"

	"videocache/internal/metrics"
)

// Type classifies the current connection.
type Type int

const (
	TypeWifi Type = iota
	TypeFiveG
	TypeFourG
	TypeSlow
	TypeOffline
)

func (t Type) String() string {
	switch t {
	case TypeWifi:
		return "wifi"
	case TypeFiveG:
		return "fiveG"
	case TypeFourG:
		return "fourG"
	case TypeSlow:
		return "slow"
	case TypeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// windowSize bounds the rolling sample count used for the bandwidth
// estimate.
const windowSize = 10

// minSampleDuration discards samples too short to be a meaningful rate
// measurement (timer jitter, tiny cached responses).
const minSampleDuration = 100 * time.Millisecond

// defaultBandwidthKiBps is the estimate before any sample arrives.
const defaultBandwidthKiBps = 1024.0

// Reclassification thresholds applied to the rolling mean, but only
// while the current class isn't wifi — wifi is only ever left by an
// explicit connectivity update.
const (
	fiveGThresholdKiBps = 2048.0
	fourGThresholdKiBps = 512.0
)

// PrefetchConfig is the tuning profile returned for the current
// network conditions: how many segments/reels to stay ahead of and
// behind the current position, how many to retain once played, and how
// many downloads may run concurrently.
type PrefetchConfig struct {
	Ahead         int
	Behind        int
	Keep          int
	MaxConcurrent int64
}

// DefaultWifiProfile is the wifi-class profile used when no
// operator-configured default is supplied to New.
var DefaultWifiProfile = PrefetchConfig{Ahead: 4, Behind: 2, Keep: 8, MaxConcurrent: 4}

// builtinProfiles are the non-wifi step-down profiles; wifi's is
// supplied per-Monitor by New so operator config (spec.md §6's
// default ahead/behind/keep-range) can override it.
var builtinProfiles = map[Type]PrefetchConfig{
	TypeFiveG:   {Ahead: 3, Behind: 1, Keep: 6, MaxConcurrent: 3},
	TypeFourG:   {Ahead: 2, Behind: 1, Keep: 4, MaxConcurrent: 2},
	TypeSlow:    {Ahead: 1, Behind: 0, Keep: 3, MaxConcurrent: 1},
	TypeOffline: {Ahead: 0, Behind: 0, Keep: 2, MaxConcurrent: 0},
}

// Connectivity is the platform-reported state passed to
// UpdateFromConnectivity.
type Connectivity struct {
	IsWifi   bool
	IsMobile bool
}

// Monitor is the NetworkQualityMonitor.
type Monitor struct {
	metrics  *metrics.Collector
	profiles map[Type]PrefetchConfig

	mu        sync.Mutex
	samples   []float64 // KiB/s, oldest first
	bandwidth float64
	class     Type
}

// New constructs a Monitor defaulting to TypeWifi with the default
// bandwidth estimate until the first sample or connectivity update.
// wifiProfile is the profile served while classified as wifi, typically
// the operator's configured ahead/behind/keep-range defaults; pass
// DefaultWifiProfile to keep the built-in defaults.
func New(m *metrics.Collector, wifiProfile PrefetchConfig) *Monitor {
	profiles := make(map[Type]PrefetchConfig, len(builtinProfiles)+1)
	for t, cfg := range builtinProfiles {
		profiles[t] = cfg
	}
	profiles[TypeWifi] = wifiProfile

	return &Monitor{metrics: m, class: TypeWifi, bandwidth: defaultBandwidthKiBps, profiles: profiles}
}

// RecordSample folds one download's throughput into the rolling
// window and, unless the current class is wifi, reclassifies from the
// recomputed mean. Samples shorter than minSampleDuration are ignored.
func (mon *Monitor) RecordSample(bytes int64, duration time.Duration) {
	if duration < minSampleDuration {
		return
	}
	kibps := (float64(bytes) / 1024.0) / duration.Seconds()

	mon.mu.Lock()
	mon.samples = append(mon.samples, kibps)
	if len(mon.samples) > windowSize {
		mon.samples = mon.samples[len(mon.samples)-windowSize:]
	}
	mon.bandwidth = mon.average()
	if mon.class != TypeWifi {
		mon.class = classifyBandwidth(mon.bandwidth)
	}
	bw := mon.bandwidth
	mon.mu.Unlock()

	mon.metrics.SetBandwidth(bw)
}

func (mon *Monitor) average() float64 {
	if len(mon.samples) == 0 {
		return mon.bandwidth
	}
	var sum float64
	for _, s := range mon.samples {
		sum += s
	}
	return sum / float64(len(mon.samples))
}

func classifyBandwidth(kibps float64) Type {
	switch {
	case kibps > fiveGThresholdKiBps:
		return TypeFiveG
	case kibps > fourGThresholdKiBps:
		return TypeFourG
	default:
		return TypeSlow
	}
}

// UpdateFromConnectivity sets the class from a platform-reported
// connectivity change: wifi, fourG as a placeholder pending samples, or
// offline. Any transition clears the rolling sample window.
func (mon *Monitor) UpdateFromConnectivity(c Connectivity) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	switch {
	case c.IsWifi:
		mon.class = TypeWifi
	case c.IsMobile:
		mon.class = TypeFourG
	default:
		mon.class = TypeOffline
	}
	mon.samples = nil
}

// CurrentType returns the monitor's current classification.
func (mon *Monitor) CurrentType() Type {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.class
}

// Bandwidth returns the current rolling-mean estimate in KiB/s.
func (mon *Monitor) Bandwidth() float64 {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.bandwidth
}

// PrefetchConfig returns the tuning profile for the current network
// class.
func (mon *Monitor) PrefetchConfig() PrefetchConfig {
	mon.mu.Lock()
	t := mon.class
	mon.mu.Unlock()
	if cfg, ok := mon.profiles[t]; ok {
		return cfg
	}
	return mon.profiles[TypeFourG]
}

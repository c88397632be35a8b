package network_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videocache/internal/network"
)

func TestNew_DefaultsToWifi(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	assert.Equal(t, network.TypeWifi, mon.CurrentType())
	assert.InDelta(t, 1024.0, mon.Bandwidth(), 0.001)

	cfg := mon.PrefetchConfig()
	assert.Equal(t, 4, cfg.Ahead)
	assert.Equal(t, 2, cfg.Behind)
	assert.Equal(t, 8, cfg.Keep)
	assert.EqualValues(t, 4, cfg.MaxConcurrent)
}

func TestUpdateFromConnectivity_Offline(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	mon.UpdateFromConnectivity(network.Connectivity{IsWifi: false, IsMobile: false})
	assert.Equal(t, network.TypeOffline, mon.CurrentType())

	cfg := mon.PrefetchConfig()
	assert.Equal(t, 0, cfg.Ahead)
	assert.Equal(t, 2, cfg.Keep)
	assert.EqualValues(t, 0, cfg.MaxConcurrent)
}

func TestUpdateFromConnectivity_Mobile(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	mon.UpdateFromConnectivity(network.Connectivity{IsWifi: false, IsMobile: true})
	assert.Equal(t, network.TypeFourG, mon.CurrentType())
}

func TestRecordSample_ReclassifiesWhenNotWifi(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	mon.UpdateFromConnectivity(network.Connectivity{IsMobile: true})
	require.Equal(t, network.TypeFourG, mon.CurrentType())

	// 100 KiB over 1s => 100 KiB/s, below the fourG threshold, so slow.
	mon.RecordSample(100*1024, time.Second)
	assert.Equal(t, network.TypeSlow, mon.CurrentType())
}

func TestRecordSample_NeverReclassifiesAwayFromWifi(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	require.Equal(t, network.TypeWifi, mon.CurrentType())

	// A very slow sample would reclassify a non-wifi monitor, but wifi
	// only changes via an explicit connectivity update.
	mon.RecordSample(1024, time.Second)
	assert.Equal(t, network.TypeWifi, mon.CurrentType())
}

func TestRecordSample_IgnoresTooShortSamples(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	mon.UpdateFromConnectivity(network.Connectivity{IsMobile: true})
	before := mon.Bandwidth()

	mon.RecordSample(1024*1024, 10*time.Millisecond)
	assert.Equal(t, before, mon.Bandwidth())
}

func TestRecordSample_ReclassifiesToFiveGOnHighBandwidth(t *testing.T) {
	mon := network.New(nil, network.DefaultWifiProfile)
	mon.UpdateFromConnectivity(network.Connectivity{IsMobile: true})

	// 4096 KiB over 1s => 4096 KiB/s, above the fiveG threshold.
	mon.RecordSample(4096*1024, time.Second)
	assert.Equal(t, network.TypeFiveG, mon.CurrentType())
}

func TestPrefetchConfig_PerClassProfiles(t *testing.T) {
	tests := []struct {
		typ    network.Type
		ahead  int
		behind int
		keep   int
		maxC   int64
	}{
		{network.TypeWifi, 4, 2, 8, 4},
		{network.TypeFiveG, 3, 1, 6, 3},
		{network.TypeFourG, 2, 1, 4, 2},
		{network.TypeSlow, 1, 0, 3, 1},
		{network.TypeOffline, 0, 0, 2, 0},
	}
	for _, tc := range tests {
		t.Run(tc.typ.String(), func(t *testing.T) {
			mon := network.New(nil, network.DefaultWifiProfile)
			switch tc.typ {
			case network.TypeWifi:
				mon.UpdateFromConnectivity(network.Connectivity{IsWifi: true})
			case network.TypeOffline:
				mon.UpdateFromConnectivity(network.Connectivity{})
			default:
				mon.UpdateFromConnectivity(network.Connectivity{IsMobile: true})
				// Force the specific non-wifi subclass via a bandwidth sample.
				switch tc.typ {
				case network.TypeFiveG:
					mon.RecordSample(4096*1024, time.Second)
				case network.TypeFourG:
					mon.RecordSample(1024*1024, time.Second)
				case network.TypeSlow:
					mon.RecordSample(10*1024, time.Second)
				}
			}

			cfg := mon.PrefetchConfig()
			assert.Equal(t, tc.ahead, cfg.Ahead)
			assert.Equal(t, tc.behind, cfg.Behind)
			assert.Equal(t, tc.keep, cfg.Keep)
			assert.Equal(t, tc.maxC, cfg.MaxConcurrent)
		})
	}
}

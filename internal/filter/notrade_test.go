package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"orderpilot/internal/features"
	"orderpilot/internal/regime"
)

type killView bool

func (k killView) KillSwitchActive() bool { return bool(k) }

func TestAllow(t *testing.T) {
	f := NewNoTrade(Config{
		BlockedRegimes:   []regime.Regime{regime.HighVolatility},
		MinVolatilityPct: 0.2,
		MinVolumeRatio:   0.5,
	})
	ok := features.Vector{Count: 60, Volatility: 1, VolumeRatio: 1}

	cases := []struct {
		name   string
		r      regime.Regime
		v      features.Vector
		kill   bool
		reason string
	}{
		{"allowed", regime.TrendUp, ok, false, ""},
		{"kill switch first", regime.TrendUp, ok, true, ReasonKillSwitch},
		{"warming", regime.TrendUp, features.Vector{Warming: true}, false, ReasonWarming},
		{"no-trade", regime.NoTrade, ok, false, ReasonNoTrade},
		{"blocked", regime.HighVolatility, ok, false, "regime_blocked:high-volatility"},
		{"low vol", regime.Range, features.Vector{Count: 60, Volatility: 0.1, VolumeRatio: 1}, false, ReasonLowVol},
		{"low volume", regime.Range, features.Vector{Count: 60, Volatility: 1, VolumeRatio: 0.2}, false, ReasonLowVolume},
	}
	for _, tc := range cases {
		d := f.Allow(tc.r, tc.v, killView(tc.kill))
		assert.Equal(t, tc.reason == "", d.Allow, tc.name)
		assert.Equal(t, tc.reason, d.Reason, tc.name)
	}
}

func TestAllowWithoutRiskView(t *testing.T) {
	f := NewNoTrade(DefaultConfig())
	d := f.Allow(regime.Squeeze, features.Vector{Count: 60}, nil)
	assert.True(t, d.Allow)
	d = f.Allow(regime.HighVolatility, features.Vector{Count: 60}, nil)
	assert.False(t, d.Allow)
}

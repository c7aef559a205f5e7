package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpilot/internal/market"
)

func smallConfig() Config {
	return Config{
		Window:        10,
		EMAFast:       3,
		EMASlow:       5,
		SlopeLookback: 2,
		ATRPeriod:     3,
		ROCPeriod:     3,
		RSIPeriod:     3,
		BBPeriod:      5,
		BBDev:         2,
		ADXPeriod:     3,
		VolumePeriod:  5,
	}
}

func series(n int, start, step float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = market.Candle{
			OpenTime: int64(i+1) * 60_000,
			Open:     c - step/2,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
		}
	}
	return out
}

func TestComputeWarming(t *testing.T) {
	e := NewEngine(smallConfig())
	v := e.Compute(series(5, 100, 1))
	assert.True(t, v.Warming)
	assert.Equal(t, 5, v.Count)
	assert.Equal(t, "warming(5)", v.String())
}

func TestWindowRaisedToMinimum(t *testing.T) {
	cfg := smallConfig()
	cfg.Window = 2
	e := NewEngine(cfg)
	assert.Equal(t, cfg.MinWindow(), e.Window())
}

func TestComputeRisingSeries(t *testing.T) {
	e := NewEngine(smallConfig())
	v := e.Compute(series(10, 100, 1))
	require.False(t, v.Warming)
	assert.Equal(t, 10, v.Count)
	assert.Greater(t, v.Trend, 0.0)
	assert.Greater(t, v.Momentum, 0.0)
	assert.Greater(t, v.Volatility, 0.0)
	assert.Greater(t, v.BBWidth, 0.0)
	assert.Greater(t, v.RSI, 50.0)
	assert.Greater(t, v.EMAFast, v.EMASlow)
	assert.InDelta(t, 1.0, v.VolumeRatio, 1e-9)
	assert.Equal(t, 109.0, v.Close)
}

func TestComputeFallingSeries(t *testing.T) {
	e := NewEngine(smallConfig())
	v := e.Compute(series(10, 200, -1))
	assert.Less(t, v.Trend, 0.0)
	assert.Less(t, v.Momentum, 0.0)
	assert.Less(t, v.EMAFast, v.EMASlow)
}

func TestComputeUsesOnlyLastWindow(t *testing.T) {
	e := NewEngine(smallConfig())
	all := series(25, 100, 0.5)
	assert.Equal(t, e.Compute(all[15:]), e.Compute(all))
	assert.Equal(t, e.Compute(all), e.Compute(all))
}

func TestVectorMapKeys(t *testing.T) {
	m := Vector{Trend: 1.5, VolumeRatio: 2}.Map()
	assert.Equal(t, 1.5, m["trend"])
	assert.Equal(t, 2.0, m["volume_ratio"])
	assert.Contains(t, m, "bb_width")
	assert.Contains(t, m, "warming")
}

package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpilot/internal/features"
)

var (
	upVec    = features.Vector{Count: 60, Trend: 0.2, ADX: 30, EMAFast: 101, EMASlow: 100, Volatility: 1, BBWidth: 3}
	downVec  = features.Vector{Count: 60, Trend: -0.2, ADX: 30, EMAFast: 99, EMASlow: 100, Volatility: 1, BBWidth: 3}
	rangeVec = features.Vector{Count: 60, Trend: 0.01, ADX: 10, Volatility: 1, BBWidth: 3}
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		name string
		v    features.Vector
		want Regime
	}{
		{"warming", features.Vector{Warming: true}, NoTrade},
		{"trend up", upVec, TrendUp},
		{"trend down", downVec, TrendDown},
		{"range", rangeVec, Range},
		{"high volatility", features.Vector{Count: 60, Volatility: 5, BBWidth: 8}, HighVolatility},
		{"squeeze", features.Vector{Count: 60, Volatility: 1, BBWidth: 1}, Squeeze},
		// 斜率向上但均线空头排列，不算趋势
		{"trend disagrees with ema", features.Vector{Count: 60, Trend: 0.2, ADX: 30, EMAFast: 99, EMASlow: 100, Volatility: 1, BBWidth: 3}, Range},
	}
	for _, tc := range cases {
		got, _ := Classify(tc.v, th)
		assert.Equal(t, tc.want, got, tc.name)
	}
	r, score := Classify(upVec, th)
	assert.Equal(t, TrendUp, r)
	assert.InDelta(t, 80, score, 1e-9)
}

func TestEngineHysteresis(t *testing.T) {
	e := NewEngine(DefaultThresholds(), 3)
	assert.Equal(t, NoTrade, e.Current().Regime)

	c := e.Update(upVec, 1)
	assert.Equal(t, NoTrade, c.Regime)
	assert.Equal(t, 1, c.Streak)
	c = e.Update(upVec, 2)
	assert.Equal(t, NoTrade, c.Regime)
	c = e.Update(upVec, 3)
	require.Equal(t, TrendUp, c.Regime)
	assert.True(t, c.Changed)
	assert.Equal(t, NoTrade, c.Previous)
	assert.Equal(t, int64(3), c.EnteredAt)

	// 单次反向评估不会翻转
	c = e.Update(rangeVec, 4)
	assert.Equal(t, TrendUp, c.Regime)
	assert.False(t, c.Changed)
	assert.Equal(t, Range, c.Candidate)
	c = e.Update(upVec, 5)
	assert.Equal(t, TrendUp, c.Regime)
	assert.Equal(t, 0, c.Streak)

	// 候选中途换成别的状态时重新计数
	e.Update(rangeVec, 6)
	e.Update(downVec, 7)
	c = e.Update(downVec, 8)
	assert.Equal(t, TrendUp, c.Regime)
	c = e.Update(downVec, 9)
	assert.Equal(t, TrendDown, c.Regime)
	assert.True(t, c.Changed)
}

func TestEngineWarmingForcesNoTrade(t *testing.T) {
	e := NewEngine(DefaultThresholds(), 1)
	require.Equal(t, TrendUp, e.Update(upVec, 1).Regime)
	c := e.Update(features.Vector{Warming: true, Count: 3}, 2)
	assert.Equal(t, NoTrade, c.Regime)
	assert.True(t, c.Changed)
	assert.False(t, e.Current().Changed)

	e.Update(upVec, 3)
	e.Reset(4)
	assert.Equal(t, NoTrade, e.Current().Regime)
	assert.Equal(t, TrendUp, e.Current().Previous)
}

func TestParseRegime(t *testing.T) {
	r, err := Parse(" Trend-Up ")
	require.NoError(t, err)
	assert.Equal(t, TrendUp, r)
	_, err = Parse("sideways")
	assert.Error(t, err)
	assert.False(t, NoTrade.Tradable())
	assert.True(t, Squeeze.Tradable())
}

package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day1 = int64(1_700_000_000_000)

func TestSizerBasic(t *testing.T) {
	s := Sizer{RiskPerTradePct: 0.01, MaxExposurePct: 1, LotStep: 0.1}
	out, err := s.Size(10_000, 100, 98, 1)
	require.NoError(t, err)
	assert.InDelta(t, 50, out.Qty, 1e-9)
	assert.InDelta(t, 5_000, out.Notional, 1e-6)
	assert.InDelta(t, 100, out.RiskAmount, 1e-6)
	assert.False(t, out.Clamped)

	// short 方向止损在上方，距离取绝对值
	out, err = s.Size(10_000, 100, 102, 1)
	require.NoError(t, err)
	assert.InDelta(t, 50, out.Qty, 1e-9)
}

func TestSizerClampsExposureAndMultiplier(t *testing.T) {
	s := Sizer{RiskPerTradePct: 0.01, MaxExposurePct: 0.3, LotStep: 0.1}
	out, err := s.Size(10_000, 100, 98, 1)
	require.NoError(t, err)
	assert.InDelta(t, 30, out.Qty, 1e-9)
	assert.True(t, out.Clamped)

	s.MaxExposurePct = 1
	half, err := s.Size(10_000, 100, 98, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 25, half.Qty, 1e-9)

	// multiplier > 1 不会放大风险
	full, err := s.Size(10_000, 100, 98, 3)
	require.NoError(t, err)
	assert.InDelta(t, 50, full.Qty, 1e-9)
}

func TestSizerNeverExceedsRiskBudget(t *testing.T) {
	s := Sizer{RiskPerTradePct: 0.013, MaxExposurePct: 5, LotStep: 0.001}
	for _, tc := range [][3]float64{
		{1234.56, 27123.4, 26987.1},
		{999.99, 0.3371, 0.3312},
		{50_000, 1850.25, 1861.75},
		{777, 3.3, 3.29},
	} {
		equity, entry, stop := tc[0], tc[1], tc[2]
		out, err := s.Size(equity, entry, stop, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, out.Qty*out.StopDistance, equity*s.RiskPerTradePct+1e-9)
		assert.GreaterOrEqual(t, out.Qty, 0.0)
	}
}

func TestSizerErrors(t *testing.T) {
	s := Sizer{RiskPerTradePct: 0.01}
	_, err := s.Size(0, 100, 99, 1)
	assert.Error(t, err)
	_, err = s.Size(1000, 0, 99, 1)
	assert.Error(t, err)
	_, err = s.Size(1000, 100, 100, 1)
	assert.Error(t, err)
	_, err = Sizer{RiskPerTradePct: 2}.Size(1000, 100, 99, 1)
	assert.Error(t, err)
}

func TestManagerTripsOnDailyLoss(t *testing.T) {
	m := NewManager(Limits{DailyLossLimitPct: 0.05, MaxExposurePct: 1}, 1_000)
	tripped := make(chan string, 1)
	m.OnTrip(func(reason string) { tripped <- reason })

	m.OpenPosition("BTCUSDT", 500, day1)
	require.NoError(t, m.MarkToMarket("BTCUSDT", -30, 470, day1+60_000))
	assert.False(t, m.KillSwitchActive())

	err := m.MarkToMarket("BTCUSDT", -60, 440, day1+120_000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRiskLimitExceeded))
	assert.True(t, m.KillSwitchActive())
	select {
	case reason := <-tripped:
		assert.Contains(t, reason, "daily loss")
	case <-time.After(time.Second):
		t.Fatal("OnTrip not called")
	}

	// 跳闸后任何更新都报错，直到人工复位
	assert.Error(t, m.ClosePosition("BTCUSDT", -60, day1+180_000))
	snap := m.Snapshot()
	assert.True(t, snap.KillSwitch)
	assert.NotEmpty(t, snap.Reason)

	m.Reset()
	assert.False(t, m.KillSwitchActive())
	assert.InDelta(t, 940, m.Snapshot().DayStartEquity, 1e-9)
	assert.InDelta(t, 940, m.Equity(), 1e-9)
}

func TestManagerRollsDayOnCandleTime(t *testing.T) {
	m := NewManager(Limits{DailyLossLimitPct: 0.05}, 1_000)
	m.OpenPosition("ETHUSDT", 100, day1)
	require.NoError(t, m.ClosePosition("ETHUSDT", -40, day1+1))

	next := day1 + 24*time.Hour.Milliseconds()
	m.OpenPosition("ETHUSDT", 100, next)
	// 新的一天以 960 为基准，-40 不触发 48 的上限
	require.NoError(t, m.ClosePosition("ETHUSDT", -40, next+1))
	assert.False(t, m.KillSwitchActive())
	snap := m.Snapshot()
	assert.InDelta(t, 960, snap.DayStartEquity, 1e-9)
	assert.InDelta(t, -40, snap.DayPnL, 1e-9)
}

func TestManagerExposure(t *testing.T) {
	m := NewManager(Limits{MaxExposurePct: 1}, 1_000)
	m.OpenPosition("BTCUSDT", 600, day1)
	assert.True(t, m.CanOpen(300))
	assert.False(t, m.CanOpen(500))
	assert.False(t, m.ExposureBreached())

	m.OpenPosition("ETHUSDT", 500, day1)
	assert.True(t, m.ExposureBreached())
	snap := m.Snapshot()
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, snap.Symbols)
	assert.InDelta(t, 1_100, snap.Exposure, 1e-9)
}

func TestManagerManualActivate(t *testing.T) {
	m := NewManager(Limits{}, 1_000)
	m.Activate("operator", day1)
	assert.True(t, m.KillSwitchActive())
	assert.Equal(t, "manual: operator", m.Snapshot().Reason)
	m.Reset()
	assert.False(t, m.KillSwitchActive())
}

package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"orderpilot/internal/features"
	"orderpilot/internal/market"
	"orderpilot/internal/regime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
default: cautious
rule_sets:
  trend_long:
    regimes: [trend-up]
    side: long
    base_confidence: 60
    stop_atr_multiple: 2
    trail_pct: 0.03
    params:
      rsi_cap: 75
    conditions:
      - tag: strong_trend
        expression: features.adx >= 25
        weight: 8
      - tag: rsi_room
        expression: features.rsi < params.rsi_cap
        weight: 4
    workflow:
      entry:
        language: expression-dsl
        expression: features.trend > 0 && candle.close > features.ema_fast
      no_entry:
        language: expression-dsl
        expression: features.rsi > 85
      exit:
        language: expression-dsl
        expression: position.open && features.trend < -0.1
      update_stop:
        language: expression-dsl
        expression: candle.close - 2 * features.atr
  cautious:
    side: long
    stop_pct: 0.01
    workflow:
      exit:
        expression: position.pnl_pct <= -1
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func trendEnv() Env {
	v := features.Vector{Trend: 0.3, ADX: 30, RSI: 60, ATR: 1.5, EMAFast: 99, EMASlow: 95, Close: 100}
	c := market.Candle{Open: 99, High: 101, Low: 98, Close: 100, Volume: 10}
	return NewEnv(c, v, regime.TrendUp, nil, map[string]float64{"rsi_cap": 75})
}

func TestCompileBoolRejectsNonBoolean(t *testing.T) {
	_, err := CompileBool("features.rsi + 1")
	assert.Error(t, err)
	_, err = CompileBool("features.unknown > 1")
	assert.Error(t, err)
	_, err = CompileNumber("features.rsi > 1")
	assert.Error(t, err)

	p, err := CompileBool("features.rsi > 50 && regime == 'trend-up'")
	require.NoError(t, err)
	ok, err := p.Bool(trendEnv())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseAndCompileFile(t *testing.T) {
	spec, err := ParseRuleFile([]byte(sampleRules))
	require.NoError(t, err)
	cat, err := CompileFile(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"cautious", "trend_long"}, cat.Names())

	rs := cat.Lookup(regime.TrendUp)
	require.NotNil(t, rs)
	assert.Equal(t, "trend_long", rs.Name)
	assert.Equal(t, market.SideLong, rs.Side)

	env := trendEnv()
	env.Params = rs.Params
	fires, err := rs.EntryFires(env)
	require.NoError(t, err)
	assert.True(t, fires)
	blocked, err := rs.NoEntryBlocks(env)
	require.NoError(t, err)
	assert.False(t, blocked)
	fired, err := rs.FiredConditions(env)
	require.NoError(t, err)
	require.Len(t, fired, 2)
	assert.Equal(t, "strong_trend", fired[0].Tag)

	// 未覆盖的 regime 回退到 default 指定的规则集
	assert.Equal(t, "cautious", cat.Lookup(regime.Range).Name)
	assert.False(t, cat.Lookup(regime.Range).CanEnter())
}

func TestParseRuleFileRejectsUnknownFields(t *testing.T) {
	_, err := ParseRuleFile([]byte(`
rule_sets:
  x:
    side: long
    bogus: 1
    workflow: {}
`))
	assert.Error(t, err)

	_, err = ParseRuleFile([]byte(`rule_sets: {}`))
	assert.Error(t, err)
}

func TestCompileFileRejectsBadExpressionAndOverlap(t *testing.T) {
	spec, err := ParseRuleFile([]byte(`
rule_sets:
  a:
    side: long
    workflow:
      entry: {expression: "features.rsi >"}
`))
	require.NoError(t, err)
	_, err = CompileFile(spec)
	assert.Error(t, err)

	spec, err = ParseRuleFile([]byte(`
rule_sets:
  a: {side: long, regimes: [range], workflow: {}}
  b: {side: short, regimes: [range], workflow: {}}
`))
	require.NoError(t, err)
	_, err = CompileFile(spec)
	assert.Error(t, err)
}

func TestSelectorFallsBackToConservative(t *testing.T) {
	sel := NewSelector(nil)
	rs := sel.Select(regime.TrendUp)
	require.NotNil(t, rs)
	assert.Equal(t, ConservativeName, rs.Name)
	assert.False(t, rs.CanEnter())

	pos := &PositionInput{Side: market.SideLong, EntryPrice: 100}
	env := NewEnv(market.Candle{Close: 97.5}, features.Vector{}, regime.Range, pos, nil)
	hit, err := rs.Exit.Bool(env)
	require.NoError(t, err)
	assert.True(t, hit)

	env = NewEnv(market.Candle{Close: 99}, features.Vector{}, regime.Range, pos, nil)
	hit, err = rs.Exit.Bool(env)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSelectorSwapIsAtomic(t *testing.T) {
	spec, err := ParseRuleFile([]byte(sampleRules))
	require.NoError(t, err)
	cat, err := CompileFile(spec)
	require.NoError(t, err)

	sel := NewSelector(nil)
	sel.Swap(cat)
	assert.Equal(t, "trend_long", sel.Select(regime.TrendUp).Name)
	assert.Equal(t, "trend_long", sel.ByName("trend_long").Name)
	assert.Equal(t, ConservativeName, sel.ByName("missing").Name)
	sel.Swap(nil)
	assert.Equal(t, "trend_long", sel.Select(regime.TrendUp).Name)
}

func TestLoaderKeepsSnapshotOnBadReload(t *testing.T) {
	path := writeRules(t, sampleRules)
	l, err := NewLoader(path, false)
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.EqualValues(t, 1, snap.Version)

	require.NoError(t, os.WriteFile(path, []byte("rule_sets: {x: {side: long, workflow: {entry: {expression: 'nope +'}}}}"), 0o644))
	assert.Error(t, l.Reload())
	assert.EqualValues(t, 1, l.Snapshot().Version)
	assert.Equal(t, "trend_long", l.Snapshot().Catalog.Lookup(regime.TrendUp).Name)

	done := make(chan Snapshot, 1)
	l.OnChange(func(s Snapshot) { done <- s })
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))
	require.NoError(t, l.Reload())
	got := <-done
	assert.EqualValues(t, 2, got.Version)
}

func TestStopFor(t *testing.T) {
	rs := &RuleSet{StopATRMultiple: 2}
	assert.InDelta(t, 97.0, rs.StopFor(market.SideLong, 100, 1.5), 1e-9)
	assert.InDelta(t, 103.0, rs.StopFor(market.SideShort, 100, 1.5), 1e-9)
	rs = &RuleSet{StopPct: 0.02}
	assert.InDelta(t, 98.0, rs.StopFor(market.SideLong, 100, 0), 1e-9)
	assert.Zero(t, (&RuleSet{}).StopFor(market.SideLong, 100, 1))
}

func TestPositionPnLInEnv(t *testing.T) {
	pos := &PositionInput{Side: market.SideShort, EntryPrice: 100}
	env := NewEnv(market.Candle{Close: 95}, features.Vector{}, regime.TrendDown, pos, nil)
	assert.True(t, env.Position.Open)
	assert.InDelta(t, 5.0, env.Position.PnLPct, 1e-9)
}

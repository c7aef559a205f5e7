package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderpilot/internal/features"
	"orderpilot/internal/filter"
	"orderpilot/internal/market"
	"orderpilot/internal/regime"
	"orderpilot/internal/risk"
	"orderpilot/internal/signal"
	"orderpilot/internal/strategy"
	"orderpilot/internal/strategy/exit"
	"orderpilot/internal/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testSymbol = "BTCUSDT"
	minuteMs   = int64(60_000)
	baseTs     = int64(1_700_000_040_000)
)

func smallFeatures() features.Config {
	return features.Config{
		Window: 12, EMAFast: 5, EMASlow: 10, SlopeLookback: 3, ATRPeriod: 5, ROCPeriod: 3,
		RSIPeriod: 5, BBPeriod: 5, BBDev: 2, ADXPeriod: 5, VolumePeriod: 5,
	}
}

func trendCatalog(t *testing.T) *strategy.Catalog {
	t.Helper()
	rs, err := strategy.CompileRuleSet("trend_long", strategy.RuleSetSpec{
		Regimes:        []string{"trend-up"},
		Side:           "long",
		BaseConfidence: 72,
		StopPct:        0.02,
		TrailPct:       0.01,
		Workflow: strategy.WorkflowSpec{
			Entry: &strategy.SlotSpec{Language: strategy.LanguageDSL, Expression: "features.trend > 0"},
		},
	})
	require.NoError(t, err)
	cat, err := strategy.NewCatalog([]*strategy.RuleSet{rs}, nil)
	require.NoError(t, err)
	return cat
}

type harness struct {
	m      *Machine
	risk   *risk.Manager
	broker Broker
	events *Recorder
}

func newHarness(t *testing.T, broker Broker, adv validation.Advisor) *harness {
	t.Helper()
	return newHarnessWith(t, broker, adv, nil)
}

func newHarnessWith(t *testing.T, broker Broker, adv validation.Advisor, tweak func(*Config)) *harness {
	t.Helper()
	rm := risk.NewManager(risk.Limits{DailyLossLimitPct: 0.05, MaxExposurePct: 1, RiskPerTradePct: 0.01}, 10_000)
	rec := NewRecorder(10_000)
	cfg := Config{
		Symbol:              testSymbol,
		Preprocess:          market.PreprocessConfig{Interval: time.Minute, GapTolerance: 1},
		Features:            smallFeatures(),
		Regime:              regime.DefaultThresholds(),
		RegimeConfirm:       3,
		Signal:              signal.DefaultConfig(),
		EntryTimeoutCandles: 2,
		ExitTimeoutCandles:  1,
		CautionSizeFactor:   0.5,
		FlattenOnHalt:       true,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := NewMachine(cfg, Deps{
		Filter:    filter.NewNoTrade(filter.DefaultConfig()),
		Selector:  strategy.NewSelector(trendCatalog(t)),
		Checker:   exit.NewChecker(),
		Sizer:     risk.Sizer{RiskPerTradePct: 0.01, MaxExposurePct: 1, LotStep: 0.001},
		Risk:      rm,
		Validator: validation.NewService(validation.DefaultConfig(), adv),
		Broker:    broker,
		Sink:      rec,
	})
	require.NoError(t, err)
	return &harness{m: m, risk: rm, broker: broker, events: rec}
}

// step 投递一根 K 线并在纸面 Broker 上同步结算。
func (h *harness) step(t *testing.T, raw market.RawBar) (StepReport, error) {
	t.Helper()
	rep, err := h.m.OnCandle(context.Background(), raw)
	if s, ok := h.broker.(Settler); ok {
		for _, f := range s.Settle(testSymbol) {
			require.NoError(t, h.m.OnFill(f))
		}
	}
	return rep, err
}

type series struct {
	ts    int64
	close float64
}

func newSeries() *series { return &series{ts: baseTs, close: 100} }

func (s *series) bar(pct float64) market.RawBar {
	open := s.close
	cl := open * (1 + pct)
	hi, lo := open, cl
	if cl > open {
		hi, lo = cl, open
	}
	raw := market.RawBar{
		Symbol:   testSymbol,
		OpenTime: s.ts,
		Open:     open,
		High:     hi * 1.002,
		Low:      lo * 0.998,
		Close:    cl,
		Volume:   100,
	}
	s.ts += minuteMs
	s.close = cl
	return raw
}

func (s *series) rising(n int) []market.RawBar {
	out := make([]market.RawBar, n)
	for i := range out {
		out[i] = s.bar(0.005)
	}
	return out
}

func TestTrendUpScenarioSingleRoundTrip(t *testing.T) {
	h := newHarness(t, NewPaperBroker(0, 0), validation.NewEchoStub(12))
	s := newSeries()

	var entryReport *StepReport
	for _, raw := range s.rising(20) {
		rep, err := h.step(t, raw)
		require.NoError(t, err)
		if rep.Signal != nil {
			require.Nil(t, entryReport, "only one entry expected while in position")
			cp := rep
			entryReport = &cp
		}
	}
	require.NotNil(t, entryReport)
	assert.Equal(t, regime.TrendUp, entryReport.Regime)
	assert.Equal(t, 72.0, entryReport.Signal.Confidence)
	require.NotNil(t, entryReport.Validation)
	assert.Equal(t, validation.ActionApprove, entryReport.Validation.Action)
	assert.Equal(t, validation.TierQuick, entryReport.Validation.Tier)
	assert.Equal(t, StateInPosition, h.m.State())

	changes := h.events.Events(EventRegimeChange)
	require.NotEmpty(t, changes)
	assert.Equal(t, regime.TrendUp, changes[0].Payload.(RegimePayload).To)

	// 急跌击穿跟踪止损
	rep, err := h.step(t, s.bar(-0.03))
	require.NoError(t, err)
	require.NotNil(t, rep.Exit)
	assert.Equal(t, exit.ReasonStopHit, rep.Exit.Reason)
	assert.Equal(t, StateCooldown, h.m.State())
	for i := 0; i < 3; i++ {
		rep, err = h.step(t, s.bar(-0.004))
		require.NoError(t, err)
		assert.Nil(t, rep.Signal)
	}

	trades := h.events.Events(EventTradeClosed)
	require.Len(t, trades, 1)
	tr := trades[0].Payload.(TradeRecord)
	assert.Equal(t, []string{"entry:trend_long"}, tr.EntryTags)
	assert.Equal(t, exit.ReasonStopHit, tr.ExitReason)
	assert.Equal(t, validation.ActionApprove, tr.Validation.Action)
	assert.Equal(t, 72.0, tr.SignalConfidence)
	assert.Equal(t, entryReport.Validation.PromptHash, tr.Validation.PromptHash)
	assert.Greater(t, tr.ExitPrice, tr.EntryPrice*0.98, "trailing stop should have tightened")
	assert.Nil(t, h.m.Position())
	assert.Len(t, h.events.Events(EventFill), 2)
}

func TestVetoNeverOpensPosition(t *testing.T) {
	h := newHarness(t, NewPaperBroker(0, 0), validation.NewFixedStub(10, 0, 5))
	s := newSeries()
	for _, raw := range s.rising(25) {
		rep, err := h.step(t, raw)
		require.NoError(t, err)
		assert.Empty(t, rep.Orders)
		if rep.Validation != nil {
			assert.Equal(t, validation.ActionVeto, rep.Validation.Action)
		}
	}
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.events.Events(EventOrder))
	assert.NotEmpty(t, h.events.Events(EventValidation))
}

func TestCautionHalvesSize(t *testing.T) {
	full := newHarness(t, NewPaperBroker(0, 0), validation.NewFixedStub(70, 0, 1))
	half := newHarness(t, NewPaperBroker(0, 0), validation.NewFixedStub(50, 50, 1))
	s1, s2 := newSeries(), newSeries()
	for i := 0; i < 20; i++ {
		_, err := full.step(t, s1.bar(0.005))
		require.NoError(t, err)
		_, err = half.step(t, s2.bar(0.005))
		require.NoError(t, err)
	}
	pf, ph := full.m.Position(), half.m.Position()
	require.NotNil(t, pf)
	require.NotNil(t, ph)
	assert.Equal(t, validation.ActionCaution, ph.Validation.Action)
	assert.Equal(t, validation.TierDeep, ph.Validation.Tier)
	assert.True(t, ph.Validation.DeepTriggered)
	assert.InDelta(t, pf.Size/2, ph.Size, 0.002)
}

func TestKillSwitchHaltsAndFlattens(t *testing.T) {
	h := newHarness(t, NewPaperBroker(0, 0), validation.NewEchoStub(1))
	s := newSeries()
	for _, raw := range s.rising(20) {
		_, err := h.step(t, raw)
		require.NoError(t, err)
	}
	require.Equal(t, StateInPosition, h.m.State())

	h.risk.Activate("operator", s.ts)
	rep, err := h.step(t, s.bar(0.001))
	require.NoError(t, err)
	assert.Equal(t, StateHalted, h.m.State())
	require.Len(t, rep.Orders, 1)
	assert.Equal(t, ExitReasonKillSwitch, rep.Orders[0].Reason)
	assert.Nil(t, h.m.Position())

	// HALTED 期间不再开仓
	for _, raw := range s.rising(10) {
		rep, err := h.step(t, raw)
		require.NoError(t, err)
		assert.Empty(t, rep.Orders)
		assert.Equal(t, StateHalted, rep.State)
	}
	assert.ErrorIs(t, h.m.Reset(s.ts), risk.ErrRiskLimitExceeded)
	h.risk.Reset()
	require.NoError(t, h.m.Reset(s.ts))
	assert.Equal(t, StateIdle, h.m.State())
}

// trippingAdvisor 在回答前拉下 kill switch，相当于另一交易对在校验期间触发熔断。
type trippingAdvisor struct {
	rm *risk.Manager
}

func (a *trippingAdvisor) Mode() string { return validation.ModeStub }

func (a *trippingAdvisor) Quick(ctx context.Context, req validation.Request) (validation.Answer, error) {
	a.rm.Activate("ETHUSDT daily loss", 0)
	return validation.Answer{Confidence: 90}, nil
}

func (a *trippingAdvisor) Deep(ctx context.Context, req validation.Request) (validation.Answer, error) {
	return a.Quick(ctx, req)
}

func TestKillSwitchDuringValidationBlocksEntry(t *testing.T) {
	adv := &trippingAdvisor{}
	h := newHarness(t, NewPaperBroker(0, 0), adv)
	adv.rm = h.risk
	s := newSeries()

	validated := false
	for _, raw := range s.rising(20) {
		rep, err := h.step(t, raw)
		require.NoError(t, err)
		assert.Empty(t, rep.Orders)
		assert.NotEqual(t, StateEntryPending, rep.State)
		if rep.Validation != nil {
			validated = true
			assert.Equal(t, validation.ActionBoost, rep.Validation.Action)
			assert.Equal(t, filter.ReasonKillSwitch, rep.Skip)
			assert.Equal(t, StateHalted, rep.State)
		}
	}
	require.True(t, validated)
	assert.True(t, h.risk.KillSwitchActive())
	assert.Equal(t, StateHalted, h.m.State())
	assert.Empty(t, h.events.Events(EventOrder))
	assert.Nil(t, h.m.Position())
	assert.Len(t, h.events.Events(EventHalted), 1)
}

func TestHaltedWithoutFlattenStillExits(t *testing.T) {
	h := newHarnessWith(t, NewPaperBroker(0, 0), validation.NewEchoStub(1), func(c *Config) { c.FlattenOnHalt = false })
	s := newSeries()
	for _, raw := range s.rising(20) {
		_, err := h.step(t, raw)
		require.NoError(t, err)
	}
	require.Equal(t, StateInPosition, h.m.State())

	h.risk.Activate("operator", s.ts)
	rep, err := h.step(t, s.bar(0.001))
	require.NoError(t, err)
	assert.Equal(t, StateHalted, h.m.State())
	assert.Empty(t, rep.Orders, "position is kept while the stop holds")
	require.NotNil(t, h.m.Position())

	for i := 0; i < 5 && h.m.Position() != nil; i++ {
		rep, err = h.step(t, s.bar(-0.05))
		require.NoError(t, err)
		assert.Equal(t, StateHalted, rep.State)
	}
	assert.Nil(t, h.m.Position())
	assert.Equal(t, StateHalted, h.m.State())
	trades := h.events.Events(EventTradeClosed)
	require.Len(t, trades, 1)
	assert.Equal(t, exit.ReasonStopHit, trades[0].Payload.(TradeRecord).ExitReason)

	// 平仓后依旧不开新仓
	for _, raw := range s.rising(5) {
		rep, err := h.step(t, raw)
		require.NoError(t, err)
		assert.Empty(t, rep.Orders)
	}
	assert.Equal(t, StateHalted, h.m.State())
}

func TestDataGapResetsWarmup(t *testing.T) {
	h := newHarness(t, NewPaperBroker(0, 0), validation.NewEchoStub(1))
	s := newSeries()
	for _, raw := range s.rising(16) {
		_, err := h.step(t, raw)
		require.NoError(t, err)
	}
	s.ts += 5 * minuteMs
	rep, err := h.step(t, s.bar(0.005))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataGap)
	var gap *DataGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, 5, gap.Missing)
	assert.Equal(t, regime.NoTrade, rep.Regime)
	assert.True(t, h.m.Snapshot().Vector.Warming)
	// 持仓在缺口期间仍保留，离场检查照常
	assert.Equal(t, StateInPosition, h.m.State())
}

func TestDroppedBarsDoNotAdvance(t *testing.T) {
	h := newHarness(t, NewPaperBroker(0, 0), validation.NewEchoStub(1))
	s := newSeries()
	first := s.bar(0.001)
	_, err := h.step(t, first)
	require.NoError(t, err)
	rep, err := h.step(t, first)
	require.NoError(t, err)
	assert.Equal(t, market.DropDuplicate, rep.Dropped)

	bad := s.bar(0.001)
	bad.High = bad.Low - 1
	rep, err = h.step(t, bad)
	require.NoError(t, err)
	assert.Equal(t, market.DropMalformed, rep.Dropped)
}

type mockBroker struct {
	mock.Mock
}

func (b *mockBroker) Submit(ctx context.Context, req OrderRequest) (string, error) {
	args := b.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (b *mockBroker) Cancel(ctx context.Context, id string) error {
	return b.Called(ctx, id).Error(0)
}

func TestEntryTimeoutCancelsOrder(t *testing.T) {
	b := &mockBroker{}
	b.On("Submit", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Intent == IntentEntry })).Return("ord-1", nil).Once()
	b.On("Cancel", mock.Anything, "ord-1").Return(nil).Once()
	h := newHarness(t, b, validation.NewEchoStub(1))
	s := newSeries()

	for h.m.State() == StateIdle {
		_, err := h.step(t, s.bar(0.005))
		require.NoError(t, err)
		require.Less(t, s.ts, baseTs+40*minuteMs)
	}
	require.Equal(t, StateEntryPending, h.m.State())
	_, err := h.step(t, s.bar(0.005))
	require.NoError(t, err)
	assert.Equal(t, StateEntryPending, h.m.State())
	_, err = h.step(t, s.bar(0.005))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, h.m.State())
	b.AssertExpectations(t)
}

func TestRejectedEntryAndExitRetry(t *testing.T) {
	b := &mockBroker{}
	b.On("Submit", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Intent == IntentEntry })).Return("e1", nil).Once()
	b.On("Submit", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Intent == IntentEntry })).Return("e2", nil)
	b.On("Submit", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Intent == IntentExit })).Return("x1", nil).Once()
	b.On("Submit", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Intent == IntentExit })).Return("x2", nil)
	h := newHarness(t, b, validation.NewEchoStub(1))
	s := newSeries()

	for h.m.State() == StateIdle {
		_, err := h.step(t, s.bar(0.005))
		require.NoError(t, err)
	}
	require.NoError(t, h.m.OnReject(RejectEvent{OrderID: "e1", Reason: "insufficient margin", Ts: s.ts}))
	assert.Equal(t, StateIdle, h.m.State())
	assert.ErrorIs(t, h.m.OnReject(RejectEvent{OrderID: "e1"}), ErrUnknownOrder)

	// 冷却结束后再次开仓并成交
	for h.m.State() == StateIdle {
		_, err := h.step(t, s.bar(0.005))
		require.NoError(t, err)
	}
	require.NoError(t, h.m.OnFill(FillEvent{OrderID: "e2", Intent: IntentEntry, Price: s.close, Qty: 10, Ts: s.ts}))
	require.Equal(t, StateInPosition, h.m.State())

	_, err := h.step(t, s.bar(-0.04))
	require.NoError(t, err)
	require.Equal(t, StateExitPending, h.m.State())
	require.NoError(t, h.m.OnReject(RejectEvent{OrderID: "x1", Reason: "busy", Ts: s.ts}))
	assert.Equal(t, StateInPosition, h.m.State())

	// 下一根 K 线以相同原因重新提交
	rep, err := h.step(t, s.bar(0.001))
	require.NoError(t, err)
	require.Len(t, rep.Orders, 1)
	assert.Equal(t, exit.ReasonStopHit, rep.Orders[0].Reason)
	assert.Equal(t, StateExitPending, h.m.State())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateEntryPending))
	assert.True(t, canTransition(StateExitPending, StateInPosition))
	assert.True(t, canTransition(StateCooldown, StateHalted))
	assert.False(t, canTransition(StateIdle, StateInPosition))
	assert.False(t, canTransition(StateHalted, StateEntryPending))
	assert.False(t, canTransition(StateCooldown, StateEntryPending))
	for _, s := range []State{StateIdle, StateEntryPending, StateInPosition, StateExitPending, StateCooldown} {
		assert.True(t, canTransition(s, StateHalted), s)
	}
}

func TestPaperBrokerSlippage(t *testing.T) {
	b := NewPaperBroker(10, 5)
	_, err := b.Submit(context.Background(), OrderRequest{Symbol: "X", Side: market.SideLong, Intent: IntentEntry, Qty: 2, Price: 100, CandleTs: 7})
	require.NoError(t, err)
	id, err := b.Submit(context.Background(), OrderRequest{Symbol: "X", Side: market.SideLong, Intent: IntentExit, Qty: 2, Price: 100})
	require.NoError(t, err)
	require.NoError(t, b.Cancel(context.Background(), id))

	fills := b.Settle("X")
	require.Len(t, fills, 1)
	assert.InDelta(t, 100.1, fills[0].Price, 1e-9)
	assert.InDelta(t, 100.1*2*0.0005, fills[0].Fee, 1e-9)
	assert.EqualValues(t, 7, fills[0].Ts)
	assert.Empty(t, b.Settle("X"))

	_, err = b.Submit(context.Background(), OrderRequest{Symbol: "X", Qty: 0, Price: 1})
	assert.ErrorIs(t, err, ErrOrderRejected)
}

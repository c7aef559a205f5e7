package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"orderpilot/internal/features"
	"orderpilot/internal/filter"
	"orderpilot/internal/logger"
	"orderpilot/internal/market"
	"orderpilot/internal/metrics"
	"orderpilot/internal/regime"
	"orderpilot/internal/risk"
	"orderpilot/internal/signal"
	"orderpilot/internal/strategy"
	"orderpilot/internal/strategy/exit"
	"orderpilot/internal/validation"
)

const (
	ExitReasonExposure   = "exposure_breach"
	ExitReasonKillSwitch = "kill_switch"
)

// Config 为单个交易对状态机的参数。
type Config struct {
	Symbol              string
	Preprocess          market.PreprocessConfig
	Features            features.Config
	Regime              regime.Thresholds
	RegimeConfirm       int
	Signal              signal.Config
	EntryTimeoutCandles int
	ExitTimeoutCandles  int
	CautionSizeFactor   float64
	FlattenOnHalt       bool
}

// Deps 为注入的协作方；Risk 与 Validator 可在多个交易对之间共享。
type Deps struct {
	Filter    filter.NoTrade
	Selector  *strategy.Selector
	Checker   exit.Checker
	Sizer     risk.Sizer
	Risk      *risk.Manager
	Validator *validation.Service
	Broker    Broker
	Sink      EventSink
}

// StepReport 描述一次 OnCandle 的处理结果。
type StepReport struct {
	Symbol        string              `json:"symbol"`
	Timestamp     int64               `json:"timestamp"`
	Accepted      bool                `json:"accepted"`
	Dropped       market.DropReason   `json:"dropped,omitempty"`
	Gap           int                 `json:"gap,omitempty"`
	Regime        regime.Regime       `json:"regime"`
	RegimeChanged bool                `json:"regime_changed,omitempty"`
	State         State               `json:"state"`
	Signal        *signal.EntrySignal `json:"signal,omitempty"`
	Validation    *validation.Result  `json:"validation,omitempty"`
	Skip          string              `json:"skip,omitempty"`
	Exit          *exit.Decision      `json:"exit,omitempty"`
	Orders        []OrderRequest      `json:"orders,omitempty"`
}

type pendingOrder struct {
	id     string
	req    OrderRequest
	age    int
	stop   float64
	signal *signal.EntrySignal
	result validation.Result
	rule   string
}

// Machine 驱动单个交易对的完整决策管线，调用方保证串行。
type Machine struct {
	cfg    Config
	deps   Deps
	symbol string

	pre     market.Preprocessor
	window  *market.Window
	feat    *features.Engine
	regimes *regime.Engine
	scorer  *signal.Scorer

	state         State
	pos           *Position
	pending       *pendingOrder
	retryExit     string
	cooldownUntil int64
	prev          *market.Candle
	last          market.Candle
	vector        features.Vector
	class         regime.Classification
}

func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	symbol := strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("bot: symbol is required")
	}
	if deps.Risk == nil || deps.Broker == nil || deps.Validator == nil {
		return nil, fmt.Errorf("bot %s: risk, broker and validator are required", symbol)
	}
	if deps.Selector == nil {
		deps.Selector = strategy.NewSelector(nil)
	}
	if deps.Sink == nil {
		deps.Sink = MultiSink{}
	}
	if cfg.EntryTimeoutCandles <= 0 {
		cfg.EntryTimeoutCandles = 2
	}
	if cfg.ExitTimeoutCandles <= 0 {
		cfg.ExitTimeoutCandles = 1
	}
	if cfg.CautionSizeFactor <= 0 || cfg.CautionSizeFactor > 1 {
		cfg.CautionSizeFactor = 0.5
	}
	feat := features.NewEngine(cfg.Features)
	m := &Machine{
		cfg:     cfg,
		deps:    deps,
		symbol:  symbol,
		pre:     market.NewPreprocessor(cfg.Preprocess),
		window:  market.NewWindow(feat.Window()),
		feat:    feat,
		regimes: regime.NewEngine(cfg.Regime, cfg.RegimeConfirm),
		scorer:  signal.NewScorer(cfg.Signal),
		state:   StateIdle,
	}
	m.class = m.regimes.Current()
	return m, nil
}

func (m *Machine) Symbol() string { return m.symbol }

func (m *Machine) State() State { return m.state }

// Position 返回持仓副本。
func (m *Machine) Position() *Position {
	if m.pos == nil {
		return nil
	}
	cp := *m.pos
	cp.EntryTags = append([]string(nil), m.pos.EntryTags...)
	return &cp
}

// OnCandle 在一根 K 线收盘时执行一次完整管线。
func (m *Machine) OnCandle(ctx context.Context, raw market.RawBar) (StepReport, error) {
	report := StepReport{Symbol: m.symbol, State: m.state, Regime: m.class.Regime}
	verdict := m.pre.Clean(m.prev, raw)
	c := verdict.Candle
	report.Timestamp = c.Timestamp()
	if !verdict.Accepted {
		report.Dropped = verdict.Reason
		metrics.CandlesTotal.WithLabelValues(m.symbol, string(verdict.Reason)).Inc()
		logger.Warnf("[preprocess] %s drop bar ts=%d reason=%s %s", m.symbol, raw.OpenTime, verdict.Reason, verdict.Detail)
		return report, nil
	}
	report.Accepted = true
	metrics.CandlesTotal.WithLabelValues(m.symbol, "accepted").Inc()
	ts := c.Timestamp()

	var stepErr error
	if verdict.Gap {
		// 窗口与 regime 从头预热；持仓的离场检查照常进行
		m.window.Reset()
		m.regimes.Reset(ts)
		report.Gap = verdict.Missing
		stepErr = &DataGapError{Symbol: m.symbol, Missing: verdict.Missing, At: ts}
		m.emit(EventDataGap, ts, verdict.Missing)
	}
	cc := c
	m.prev = &cc
	m.last = c
	m.window.Push(c)
	m.vector = m.feat.Compute(m.window.Slice())
	prevRegime := m.class.Regime
	m.class = m.regimes.Update(m.vector, ts)
	report.Regime = m.class.Regime
	if m.class.Regime != prevRegime {
		report.RegimeChanged = true
		m.emit(EventRegimeChange, ts, RegimePayload{From: prevRegime, To: m.class.Regime, Score: m.class.Score})
	}

	if m.pos != nil {
		err := m.deps.Risk.MarkToMarket(m.symbol, m.pos.unrealized(c.Close), m.pos.notional(c.Close), ts)
		if err != nil && errors.Is(err, risk.ErrRiskLimitExceeded) {
			logger.Errorf("[bot] %s %v", m.symbol, err)
		}
	}
	if m.deps.Risk.KillSwitchActive() && m.state != StateHalted {
		m.halt(ctx, ts)
	}

	switch m.state {
	case StateHalted:
		m.stepHalted(ctx, c, &report)
	case StateIdle:
		m.stepIdle(ctx, c, &report)
	case StateEntryPending:
		m.stepEntryPending(ctx, ts, &report)
	case StateInPosition:
		m.stepInPosition(ctx, c, &report)
	case StateExitPending:
		m.stepExitPending(ctx, c, &report)
	case StateCooldown:
		if ts >= m.cooldownUntil {
			m.transition(StateIdle, ts, "cooldown elapsed")
		}
	}
	if m.pos != nil {
		m.pos.track(c)
	}
	report.State = m.state
	return report, stepErr
}

func (m *Machine) stepIdle(ctx context.Context, c market.Candle, report *StepReport) {
	ts := c.Timestamp()
	dec := m.deps.Filter.Allow(m.class.Regime, m.vector, m.deps.Risk)
	if !dec.Allow {
		report.Skip = dec.Reason
		return
	}
	rs := m.deps.Selector.Select(m.class.Regime)
	sig, skip := m.scorer.Evaluate(signal.Input{
		Symbol:  m.symbol,
		Candle:  c,
		Vector:  m.vector,
		Regime:  m.class.Regime,
		RuleSet: rs,
	})
	if sig == nil {
		report.Skip = string(skip)
		metrics.Signals.WithLabelValues(m.symbol, string(skip)).Inc()
		return
	}
	metrics.Signals.WithLabelValues(m.symbol, "emitted").Inc()
	report.Signal = sig
	m.emit(EventSignal, ts, *sig)

	stop := rs.StopFor(sig.Side, c.Close, m.vector.ATR)
	if stop <= 0 {
		stop = strategy.Conservative().StopFor(sig.Side, c.Close, m.vector.ATR)
	}
	req := validation.BuildRequest(*sig, m.vector, m.class.Regime, validation.Levels{Stop: stop})
	res := m.deps.Validator.Validate(ctx, req)
	report.Validation = &res
	m.emit(EventValidation, ts, res)
	if !res.Action.Allows() {
		report.Skip = "veto"
		return
	}
	mult := 1.0
	if res.Action == validation.ActionCaution {
		mult = m.cfg.CautionSizeFactor
	}
	sizing, err := m.deps.Sizer.Size(m.deps.Risk.Equity(), c.Close, stop, mult)
	if err != nil || sizing.Qty <= 0 {
		report.Skip = "size_zero"
		logger.Warnf("[bot] %s sizing failed: %v", m.symbol, err)
		return
	}
	if !m.deps.Risk.CanOpen(sizing.Notional) {
		report.Skip = "exposure_cap"
		return
	}
	order := OrderRequest{
		ClientID: sig.ID + "-entry",
		Symbol:   m.symbol,
		Side:     sig.Side,
		Intent:   IntentEntry,
		Qty:      sizing.Qty,
		Price:    c.Close,
		Reason:   strings.Join(sig.Tags, ","),
		CandleTs: ts,
	}
	// 校验可能阻塞数秒，期间其他交易对可能已触发 kill switch
	if m.deps.Risk.KillSwitchActive() {
		report.Skip = filter.ReasonKillSwitch
		m.halt(ctx, ts)
		return
	}
	id, err := m.deps.Broker.Submit(ctx, order)
	if err != nil {
		report.Skip = "order_rejected"
		m.emit(EventOrderReject, ts, RejectEvent{Symbol: m.symbol, Intent: IntentEntry, Reason: err.Error(), Ts: ts})
		logger.Warnf("[bot] %s entry submit failed: %v", m.symbol, err)
		return
	}
	report.Orders = append(report.Orders, order)
	m.pending = &pendingOrder{id: id, req: order, stop: stop, signal: sig, result: res, rule: rs.Name}
	m.emit(EventOrder, ts, order)
	m.transition(StateEntryPending, ts, "entry submitted")
}

func (m *Machine) stepEntryPending(ctx context.Context, ts int64, report *StepReport) {
	if m.pending == nil {
		m.transition(StateIdle, ts, "entry lost")
		return
	}
	m.pending.age++
	if m.pending.age < m.cfg.EntryTimeoutCandles {
		return
	}
	if err := m.deps.Broker.Cancel(ctx, m.pending.id); err != nil {
		logger.Warnf("[bot] %s cancel entry %s: %v", m.symbol, m.pending.id, err)
	}
	report.Skip = "entry_timeout"
	m.pending = nil
	m.transition(StateIdle, ts, "entry timeout")
}

func (m *Machine) stepInPosition(ctx context.Context, c market.Candle, report *StepReport) {
	m.pos.BarsHeld++
	if m.retryExit != "" {
		reason := m.retryExit
		m.retryExit = ""
		m.submitExit(ctx, c, reason, c.Close, report)
		return
	}
	if reason, price, ok := m.checkExit(c, report); ok {
		m.submitExit(ctx, c, reason, price, report)
	}
}

// checkExit 依次检查敞口、止损与离场规则；止损上移在此直接生效。
func (m *Machine) checkExit(c market.Candle, report *StepReport) (string, float64, bool) {
	if m.deps.Risk.ExposureBreached() {
		return ExitReasonExposure, c.Close, true
	}
	rs := m.deps.Selector.ByName(m.pos.RuleSet)
	dec, err := m.deps.Checker.Check(m.pos.view(), c, m.vector, m.class.Regime, rs)
	if err != nil {
		// 表达式出错时退回保守规则集，离场不因此被阻塞
		logger.Warnf("[bot] %s exit check: %v", m.symbol, err)
		dec, _ = m.deps.Checker.Check(m.pos.view(), c, m.vector, m.class.Regime, strategy.Conservative())
	}
	report.Exit = &dec
	switch dec.Kind {
	case exit.KindUpdateStop:
		old := m.pos.Stop
		m.pos.Stop = dec.Stop
		m.emit(EventStopUpdate, c.Timestamp(), map[string]float64{"from": old, "to": dec.Stop})
	case exit.KindExit:
		return dec.Reason, dec.Price, true
	}
	return "", 0, false
}

func (m *Machine) stepExitPending(ctx context.Context, c market.Candle, report *StepReport) {
	if m.pending == nil {
		m.transition(StateInPosition, c.Timestamp(), "exit lost")
		m.retryExit = "retry"
		return
	}
	m.pending.age++
	if m.pending.age < m.cfg.ExitTimeoutCandles {
		return
	}
	// 平仓单超时：撤单后按当前收盘价重新提交，离场不会被放弃
	reason := m.pending.req.Reason
	if err := m.deps.Broker.Cancel(ctx, m.pending.id); err != nil {
		logger.Warnf("[bot] %s cancel exit %s: %v", m.symbol, m.pending.id, err)
	}
	m.pending = nil
	m.resubmitExit(ctx, c, reason, report)
}

// stepHalted 不再开仓；持仓要么按 FlattenOnHalt 平掉，要么继续走止损与离场规则，状态保持 HALTED。
func (m *Machine) stepHalted(ctx context.Context, c market.Candle, report *StepReport) {
	report.Skip = filter.ReasonKillSwitch
	if m.pos == nil {
		return
	}
	m.pos.BarsHeld++
	if m.pending != nil && m.pending.req.Intent == IntentExit {
		m.pending.age++
		if m.pending.age < m.cfg.ExitTimeoutCandles {
			return
		}
		reason := m.pending.req.Reason
		if err := m.deps.Broker.Cancel(ctx, m.pending.id); err != nil {
			logger.Warnf("[bot] %s cancel exit %s: %v", m.symbol, m.pending.id, err)
		}
		m.pending = nil
		if m.cfg.FlattenOnHalt {
			reason = ExitReasonKillSwitch
		}
		m.placeExit(ctx, c, reason, c.Close, report)
		return
	}
	if m.cfg.FlattenOnHalt {
		m.retryExit = ""
		m.placeExit(ctx, c, ExitReasonKillSwitch, c.Close, report)
		return
	}
	if m.retryExit != "" {
		reason := m.retryExit
		m.retryExit = ""
		m.placeExit(ctx, c, reason, c.Close, report)
		return
	}
	if reason, price, ok := m.checkExit(c, report); ok {
		m.placeExit(ctx, c, reason, price, report)
	}
}

func (m *Machine) submitExit(ctx context.Context, c market.Candle, reason string, price float64, report *StepReport) {
	if m.placeExit(ctx, c, reason, price, report) {
		m.transition(StateExitPending, c.Timestamp(), reason)
	}
}

func (m *Machine) resubmitExit(ctx context.Context, c market.Candle, reason string, report *StepReport) {
	if !m.placeExit(ctx, c, reason, c.Close, report) {
		m.transition(StateInPosition, c.Timestamp(), "exit resubmit failed")
	}
}

// placeExit 只下单不迁移状态；失败时记录下一根 K 线重试。
func (m *Machine) placeExit(ctx context.Context, c market.Candle, reason string, price float64, report *StepReport) bool {
	ts := c.Timestamp()
	if price <= 0 {
		price = c.Close
	}
	order := OrderRequest{
		ClientID: fmt.Sprintf("%s-exit-%d", m.pos.SignalID, ts),
		Symbol:   m.symbol,
		Side:     m.pos.Side,
		Intent:   IntentExit,
		Qty:      m.pos.Size,
		Price:    price,
		Reason:   reason,
		CandleTs: ts,
	}
	// 平仓不受 ctx 取消影响，避免停机时留下无人管理的持仓
	id, err := m.deps.Broker.Submit(context.WithoutCancel(ctx), order)
	if err != nil {
		m.retryExit = reason
		m.emit(EventOrderReject, ts, RejectEvent{Symbol: m.symbol, Intent: IntentExit, Reason: err.Error(), Ts: ts})
		logger.Warnf("[bot] %s exit submit failed, retry next candle: %v", m.symbol, err)
		return false
	}
	report.Orders = append(report.Orders, order)
	m.pending = &pendingOrder{id: id, req: order}
	m.emit(EventOrder, ts, order)
	return true
}

// halt 切入 HALTED；未成交的开仓单被撤销。
func (m *Machine) halt(ctx context.Context, ts int64) {
	if m.pending != nil && m.pending.req.Intent == IntentEntry {
		if err := m.deps.Broker.Cancel(ctx, m.pending.id); err != nil {
			logger.Warnf("[bot] %s cancel entry on halt: %v", m.symbol, err)
		}
		m.pending = nil
	}
	m.transition(StateHalted, ts, "kill switch")
	m.emit(EventHalted, ts, m.deps.Risk.Snapshot().Reason)
}

// OnFill 处理成交回报。
func (m *Machine) OnFill(fill FillEvent) error {
	if m.pending == nil || m.pending.id != fill.OrderID {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, fill.OrderID)
	}
	p := m.pending
	m.pending = nil
	m.emit(EventFill, fill.Ts, fill)
	switch p.req.Intent {
	case IntentEntry:
		m.pos = &Position{
			Symbol:      m.symbol,
			Side:        p.req.Side,
			EntryPrice:  fill.Price,
			EntryTime:   fill.Ts,
			Size:        fill.Qty,
			Stop:        p.stop,
			InitialStop: p.stop,
			Peak:        fill.Price,
			Trough:      fill.Price,
			RuleSet:     p.rule,
			SignalID:    p.signal.ID,
			EntryTags:   append([]string(nil), p.signal.Tags...),
			EntryFee:    fill.Fee,

			SignalConfidence: p.signal.Confidence,
			Validation:       p.result,
		}
		m.deps.Risk.OpenPosition(m.symbol, m.pos.notional(fill.Price), fill.Ts)
		if m.state == StateEntryPending {
			m.transition(StateInPosition, fill.Ts, "entry filled")
		}
	case IntentExit:
		pos := m.pos
		if pos == nil {
			return fmt.Errorf("%w: exit fill without position", ErrUnknownOrder)
		}
		m.pos = nil
		pnl := pos.unrealized(fill.Price) - pos.EntryFee - fill.Fee
		trade := TradeRecord{
			Symbol:     m.symbol,
			Side:       pos.Side,
			RuleSet:    pos.RuleSet,
			SignalID:   pos.SignalID,
			EntryTime:  pos.EntryTime,
			EntryPrice: pos.EntryPrice,
			ExitTime:   fill.Ts,
			ExitPrice:  fill.Price,
			Qty:        pos.Size,
			PnL:        round6(pnl),
			PnLPct:     round6((fill.Price - pos.EntryPrice) / pos.EntryPrice * 100 * pos.Side.Sign()),
			Fees:       round6(pos.EntryFee + fill.Fee),
			BarsHeld:   pos.BarsHeld,
			EntryTags:  pos.EntryTags,
			ExitReason: p.req.Reason,

			SignalConfidence: pos.SignalConfidence,
			Validation:       pos.Validation,
		}
		m.emit(EventTradeClosed, fill.Ts, trade)
		if err := m.deps.Risk.ClosePosition(m.symbol, pnl, fill.Ts); err != nil {
			logger.Errorf("[bot] %s %v", m.symbol, err)
		}
		if m.state == StateExitPending {
			m.cooldownUntil = fill.Ts + int64(m.cfg.Signal.CooldownSeconds)*1000
			m.transition(StateCooldown, fill.Ts, p.req.Reason)
		}
		if m.deps.Risk.KillSwitchActive() && m.state != StateHalted {
			m.halt(context.Background(), fill.Ts)
		}
	}
	return nil
}

// OnReject 处理拒单：开仓回到 IDLE，平仓保持持仓并在下一根 K 线重试。
func (m *Machine) OnReject(ev RejectEvent) error {
	if m.pending == nil || m.pending.id != ev.OrderID {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, ev.OrderID)
	}
	p := m.pending
	m.pending = nil
	ev.Intent = p.req.Intent
	m.emit(EventOrderReject, ev.Ts, ev)
	logger.Warnf("[bot] %s %s order %s rejected: %s", m.symbol, p.req.Intent, ev.OrderID, ev.Reason)
	switch p.req.Intent {
	case IntentEntry:
		if m.state == StateEntryPending {
			m.transition(StateIdle, ev.Ts, "entry rejected")
		}
	case IntentExit:
		m.retryExit = p.req.Reason
		if m.state == StateExitPending {
			m.transition(StateInPosition, ev.Ts, "exit rejected")
		}
	}
	return nil
}

// Reset 为人工复位：仅在风控 kill switch 已清除时离开 HALTED。
func (m *Machine) Reset(ts int64) error {
	if m.state != StateHalted {
		return nil
	}
	if m.deps.Risk.KillSwitchActive() {
		return fmt.Errorf("%w: kill switch still active", risk.ErrRiskLimitExceeded)
	}
	if m.pos != nil {
		return m.transition(StateInPosition, ts, "manual reset")
	}
	return m.transition(StateIdle, ts, "manual reset")
}

func (m *Machine) transition(to State, ts int64, reason string) error {
	from := m.state
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		err := &ErrIllegalTransition{From: from, To: to}
		logger.Errorf("[bot] %s %v", m.symbol, err)
		return err
	}
	m.state = to
	m.emit(EventTransition, ts, TransitionPayload{From: from, To: to, Reason: reason})
	return nil
}

func (m *Machine) emit(kind EventKind, ts int64, payload any) {
	m.deps.Sink.Emit(Event{Kind: kind, Symbol: m.symbol, Timestamp: ts, State: m.state, Payload: payload})
}

// Snapshot 为对外展示的只读状态。
type Snapshot struct {
	Symbol     string                `json:"symbol"`
	State      State                 `json:"state"`
	Regime     regime.Classification `json:"regime"`
	Vector     features.Vector       `json:"features"`
	Position   *Position             `json:"position,omitempty"`
	LastCandle market.Candle         `json:"last_candle"`
	Pending    *OrderRequest         `json:"pending,omitempty"`
}

func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		Symbol:     m.symbol,
		State:      m.state,
		Regime:     m.class,
		Vector:     m.vector,
		Position:   m.Position(),
		LastCandle: m.last,
	}
	if m.pending != nil {
		req := m.pending.req
		snap.Pending = &req
	}
	return snap
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

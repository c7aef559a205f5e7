package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"orderpilot/internal/bot"
	"orderpilot/internal/filter"
	"orderpilot/internal/market"
	"orderpilot/internal/risk"
	"orderpilot/internal/strategy"
	"orderpilot/internal/strategy/exit"
	"orderpilot/internal/validation"
)

// ErrUnordered 表示输入 K 线不是严格递增的。
var ErrUnordered = errors.New("candles must be strictly increasing")

// Settings 为回测与实盘共用的管线参数；Symbol 与 Interval 由每次运行覆盖。
type Settings struct {
	Machine    bot.Config
	Filter     filter.Config
	Risk       risk.Limits
	LotStep    float64
	Validation validation.Config
}

// RunConfig 为一次回测的参数快照。
type RunConfig struct {
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	StartTS       int64   `json:"start_ts"`
	EndTS         int64   `json:"end_ts"`
	InitialEquity float64 `json:"initial_equity"`
	FeeBps        float64 `json:"fee_bps"`
	SlippageBps   float64 `json:"slippage_bps"`
	Notes         string  `json:"notes,omitempty"`
}

func (rc RunConfig) normalize() (RunConfig, Timeframe, error) {
	rc.Symbol = strings.ToUpper(strings.TrimSpace(rc.Symbol))
	if rc.Symbol == "" {
		return rc, Timeframe{}, fmt.Errorf("symbol is required")
	}
	tf, err := ParseTimeframe(rc.Timeframe)
	if err != nil {
		return rc, Timeframe{}, err
	}
	rc.Timeframe = tf.Key
	if rc.InitialEquity <= 0 {
		rc.InitialEquity = 10_000
	}
	if rc.FeeBps < 0 {
		rc.FeeBps = 0
	}
	if rc.SlippageBps < 0 {
		rc.SlippageBps = 0
	}
	return rc, tf, nil
}

// RejectedSignal 记录一次被顾问否决的入场信号及完整的校验结果。
type RejectedSignal struct {
	SignalID   string            `json:"signal_id"`
	Timestamp  int64             `json:"ts"`
	RuleSet    string            `json:"rule_set"`
	Side       market.Side       `json:"side"`
	Confidence float64           `json:"confidence"`
	Tags       []string          `json:"tags,omitempty"`
	Validation validation.Result `json:"validation"`
	Error      string            `json:"error,omitempty"`
}

// EquityPoint 为资金曲线上的一个点（K 线收盘时）。
type EquityPoint struct {
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// Stats 汇总一次运行的结果。
type Stats struct {
	Candles        int            `json:"candles"`
	Dropped        int            `json:"dropped"`
	Gaps           int            `json:"gaps"`
	Signals        int            `json:"signals"`
	Validations    map[string]int `json:"validations"`
	Trades         int            `json:"trades"`
	Wins           int            `json:"wins"`
	Losses         int            `json:"losses"`
	WinRate        float64        `json:"win_rate"`
	NetPnL         float64        `json:"net_pnl"`
	Fees           float64        `json:"fees"`
	ReturnPct      float64        `json:"return_pct"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	FinalEquity    float64        `json:"final_equity"`
	AvgBarsHeld    float64        `json:"avg_bars_held"`
	ExitReasons    map[string]int `json:"exit_reasons"`
	Halted         bool           `json:"halted"`
}

// Result 为回测输出；stub/replay 模式下两次运行逐字节一致。
type Result struct {
	Symbol      string            `json:"symbol"`
	Timeframe   string            `json:"timeframe"`
	AdvisorMode string            `json:"advisor_mode"`
	Trades      []bot.TradeRecord `json:"trades"`
	Rejected    []RejectedSignal  `json:"rejected"`
	Open        *bot.Position     `json:"open_position,omitempty"`
	Equity      []EquityPoint     `json:"equity"`
	Stats       Stats             `json:"stats"`
	Fingerprint string            `json:"fingerprint"`
}

// Fingerprint 为去掉 Fingerprint 字段后规范 JSON 的 SHA-256。
func Fingerprint(r Result) (string, error) {
	r.Fingerprint = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Harness 把历史 K 线逐根喂给与实盘相同的 bot.Machine。
type Harness struct {
	settings Settings
	selector *strategy.Selector
	advisor  validation.Advisor
	sink     bot.EventSink
}

func NewHarness(settings Settings, selector *strategy.Selector, advisor validation.Advisor) *Harness {
	if selector == nil {
		selector = strategy.NewSelector(nil)
	}
	return &Harness{settings: settings, selector: selector, advisor: advisor}
}

// WithSink 附加一个事件出口（审计库等），返回新的 Harness。
func (h *Harness) WithSink(sink bot.EventSink) *Harness {
	cp := *h
	cp.sink = sink
	return &cp
}

func (h *Harness) Settings() Settings { return h.settings }

// AdvisorMode 返回本 Harness 运行时记录的顾问模式。
func (h *Harness) AdvisorMode() string {
	return validation.NewService(h.settings.Validation, h.advisor).Mode()
}

// Run 顺序处理 candles；第 i 根完全处理（含纸面成交）之前不会触碰第 i+1 根。
func (h *Harness) Run(ctx context.Context, rc RunConfig, candles []market.Candle) (Result, error) {
	rc, tf, err := rc.normalize()
	if err != nil {
		return Result{}, err
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime <= candles[i-1].OpenTime {
			return Result{}, fmt.Errorf("%w: index %d open_time %d <= %d", ErrUnordered, i, candles[i].OpenTime, candles[i-1].OpenTime)
		}
	}

	rm := risk.NewManager(h.settings.Risk, rc.InitialEquity)
	broker := bot.NewPaperBroker(rc.SlippageBps, rc.FeeBps)
	col := &collector{}
	sinks := bot.MultiSink{col}
	if h.sink != nil {
		sinks = append(sinks, h.sink)
	}
	svc := validation.NewService(h.settings.Validation, h.advisor)
	mcfg := h.settings.Machine
	mcfg.Symbol = rc.Symbol
	mcfg.Preprocess.Interval = tf.Duration
	m, err := bot.NewMachine(mcfg, bot.Deps{
		Filter:   filter.NewNoTrade(h.settings.Filter),
		Selector: h.selector,
		Checker:  exit.NewChecker(),
		Sizer: risk.Sizer{
			RiskPerTradePct: h.settings.Risk.RiskPerTradePct,
			MaxExposurePct:  h.settings.Risk.MaxExposurePct,
			LotStep:         h.settings.LotStep,
		},
		Risk:      rm,
		Validator: svc,
		Broker:    broker,
		Sink:      sinks,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Symbol:      rc.Symbol,
		Timeframe:   tf.Key,
		AdvisorMode: svc.Mode(),
		Trades:      []bot.TradeRecord{},
		Rejected:    []RejectedSignal{},
		Equity:      make([]EquityPoint, 0, len(candles)),
	}
	stats := Stats{Validations: map[string]int{}, ExitReasons: map[string]int{}}
	peak := rc.InitialEquity
	for i := range candles {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rep, err := m.OnCandle(ctx, market.RawFromCandle(rc.Symbol, candles[i]))
		if err != nil {
			if !errors.Is(err, bot.ErrDataGap) {
				return Result{}, err
			}
			stats.Gaps++
		}
		for _, fill := range broker.Settle(rc.Symbol) {
			if err := m.OnFill(fill); err != nil {
				return Result{}, fmt.Errorf("settle %s: %w", fill.OrderID, err)
			}
		}
		stats.Candles++
		if rep.Dropped != market.DropNone {
			stats.Dropped++
			continue
		}
		if rep.Signal != nil {
			stats.Signals++
		}
		if v := rep.Validation; v != nil {
			stats.Validations[string(v.Action)]++
			if !v.Action.Allows() {
				res.Rejected = append(res.Rejected, RejectedSignal{
					SignalID:   rep.Signal.ID,
					Timestamp:  rep.Timestamp,
					RuleSet:    rep.Signal.RuleSet,
					Side:       rep.Signal.Side,
					Confidence: rep.Signal.Confidence,
					Tags:       rep.Signal.Tags,
					Validation: *v,
					Error:      v.ErrorText(),
				})
			}
		}
		eq := round6(rm.Snapshot().Equity)
		if eq > peak {
			peak = eq
		}
		dd := 0.0
		if peak > 0 {
			dd = round6((peak - eq) / peak * 100)
		}
		if dd > stats.MaxDrawdownPct {
			stats.MaxDrawdownPct = dd
		}
		res.Equity = append(res.Equity, EquityPoint{TS: rep.Timestamp, Equity: eq, Drawdown: dd})
	}

	res.Trades = append(res.Trades, col.trades...)
	res.Open = m.Position()
	stats.Halted = m.State() == bot.StateHalted
	summarize(&stats, res.Trades, rc.InitialEquity, rm.Snapshot().Equity)
	res.Stats = stats
	fp, err := Fingerprint(res)
	if err != nil {
		return Result{}, err
	}
	res.Fingerprint = fp
	return res, nil
}

func summarize(stats *Stats, trades []bot.TradeRecord, initial, final float64) {
	stats.Trades = len(trades)
	bars := 0
	for _, t := range trades {
		stats.NetPnL += t.PnL
		stats.Fees += t.Fees
		bars += t.BarsHeld
		stats.ExitReasons[t.ExitReason]++
		if t.PnL > 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}
	if stats.Trades > 0 {
		stats.WinRate = round6(float64(stats.Wins) / float64(stats.Trades))
		stats.AvgBarsHeld = round6(float64(bars) / float64(stats.Trades))
	}
	stats.NetPnL = round6(stats.NetPnL)
	stats.Fees = round6(stats.Fees)
	stats.FinalEquity = round6(final)
	if initial > 0 {
		stats.ReturnPct = round6((final - initial) / initial * 100)
	}
}

// collector 只收集平仓记录，其余事件交给外部 sink。
type collector struct {
	trades []bot.TradeRecord
}

func (c *collector) Emit(e bot.Event) {
	if e.Kind != bot.EventTradeClosed {
		return
	}
	if t, ok := e.Payload.(bot.TradeRecord); ok {
		c.trades = append(c.trades, t)
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

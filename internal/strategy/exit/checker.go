package exit

import (
	"fmt"
	"math"

	"orderpilot/internal/features"
	"orderpilot/internal/market"
	"orderpilot/internal/regime"
	"orderpilot/internal/strategy"
)

// Kind 为离场检查的结论。
type Kind string

const (
	KindHold       Kind = "hold"
	KindUpdateStop Kind = "update-stop"
	KindExit       Kind = "exit"
)

const ReasonStopHit = "stop_hit"

// Position 是持仓的只读视图，检查器永远拿到副本。
type Position struct {
	Symbol     string
	Side       market.Side
	EntryPrice float64
	Size       float64
	Stop       float64
	Peak       float64
	Trough     float64
	BarsHeld   int
}

// Decision hold / update-stop(Stop) / exit(Reason, Price)。
type Decision struct {
	Kind   Kind    `json:"kind"`
	Stop   float64 `json:"stop,omitempty"`
	Price  float64 `json:"price,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

func Hold() Decision { return Decision{Kind: KindHold} }

func (d Decision) String() string {
	switch d.Kind {
	case KindUpdateStop:
		return fmt.Sprintf("update-stop(%.6f)", d.Stop)
	case KindExit:
		return fmt.Sprintf("exit(%s@%.6f)", d.Reason, d.Price)
	default:
		return string(KindHold)
	}
}

// Checker 无状态；同一输入总是得到同一结论。
type Checker struct{}

func NewChecker() Checker { return Checker{} }

// Check 依次判断：开盘时止损是否被击穿、exit 表达式、止损上移。
func (Checker) Check(pos Position, c market.Candle, v features.Vector, r regime.Regime, rs *strategy.RuleSet) (Decision, error) {
	if pos.EntryPrice <= 0 {
		return Hold(), fmt.Errorf("exit check %s: invalid entry price", pos.Symbol)
	}
	if stopBreached(pos.Side, c, pos.Stop) {
		return Decision{Kind: KindExit, Reason: ReasonStopHit, Price: stopFillPrice(pos.Side, c, pos.Stop)}, nil
	}
	if rs == nil {
		rs = strategy.Conservative()
	}
	peak, trough := extremes(pos, c)
	env := strategy.NewEnv(c, v, r, &strategy.PositionInput{
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Stop:       pos.Stop,
		Size:       pos.Size,
		BarsHeld:   pos.BarsHeld,
		Peak:       peak,
		Trough:     trough,
	}, rs.Params)
	if rs.Exit != nil {
		hit, err := rs.Exit.Bool(env)
		if err != nil {
			return Hold(), fmt.Errorf("exit check %s: %w", pos.Symbol, err)
		}
		if hit {
			return Decision{Kind: KindExit, Reason: "rule:" + rs.Name, Price: c.Close}, nil
		}
	}
	candidate := 0.0
	switch {
	case rs.UpdateStop != nil:
		val, err := rs.UpdateStop.Number(env)
		if err != nil {
			return Hold(), fmt.Errorf("update stop %s: %w", pos.Symbol, err)
		}
		candidate = val
	case rs.TrailPct > 0:
		anchor := peak
		if pos.Side == market.SideShort {
			anchor = trough
		}
		candidate = trailingStopFor(pos.Side, anchor, rs.TrailPct)
	}
	if candidate <= 0 || math.IsNaN(candidate) || math.IsInf(candidate, 0) {
		return Hold(), nil
	}
	// 新止损必须留在当前价的保护侧
	if pos.Side == market.SideShort && candidate <= c.Close {
		return Hold(), nil
	}
	if pos.Side != market.SideShort && candidate >= c.Close {
		return Hold(), nil
	}
	if !tighterStop(pos.Side, candidate, pos.Stop) {
		return Hold(), nil
	}
	return Decision{Kind: KindUpdateStop, Stop: round8(candidate)}, nil
}

func extremes(pos Position, c market.Candle) (float64, float64) {
	peak := math.Max(pos.Peak, c.High)
	trough := pos.Trough
	if trough <= 0 || c.Low < trough {
		trough = c.Low
	}
	if peak <= 0 {
		peak = pos.EntryPrice
	}
	return peak, trough
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

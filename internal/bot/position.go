package bot

import (
	"orderpilot/internal/market"
	"orderpilot/internal/strategy/exit"
	"orderpilot/internal/validation"
)

// Position 只由 Machine 持有与修改。
type Position struct {
	Symbol      string      `json:"symbol"`
	Side        market.Side `json:"side"`
	EntryPrice  float64     `json:"entry_price"`
	EntryTime   int64       `json:"entry_time"`
	Size        float64     `json:"size"`
	Stop        float64     `json:"stop"`
	InitialStop float64     `json:"initial_stop"`
	Peak        float64     `json:"peak"`
	Trough      float64     `json:"trough"`
	BarsHeld    int         `json:"bars_held"`
	RuleSet     string      `json:"rule_set"`
	SignalID    string      `json:"signal_id"`
	EntryTags   []string    `json:"entry_tags"`
	EntryFee    float64     `json:"entry_fee"`
	// 开仓信号的技术面置信度与顾问结论，随平仓记录一起输出
	SignalConfidence float64           `json:"signal_confidence"`
	Validation       validation.Result `json:"validation"`
}

func (p *Position) view() exit.Position {
	return exit.Position{
		Symbol:     p.Symbol,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		Size:       p.Size,
		Stop:       p.Stop,
		Peak:       p.Peak,
		Trough:     p.Trough,
		BarsHeld:   p.BarsHeld,
	}
}

func (p *Position) unrealized(price float64) float64 {
	return (price - p.EntryPrice) * p.Size * p.Side.Sign()
}

func (p *Position) notional(price float64) float64 {
	return price * p.Size
}

func (p *Position) track(c market.Candle) {
	if c.High > p.Peak {
		p.Peak = c.High
	}
	if p.Trough <= 0 || c.Low < p.Trough {
		p.Trough = c.Low
	}
}

// TradeRecord 为一笔完整的开平仓记录。
type TradeRecord struct {
	Symbol     string      `json:"symbol"`
	Side       market.Side `json:"side"`
	RuleSet    string      `json:"rule_set"`
	SignalID   string      `json:"signal_id"`
	EntryTime  int64       `json:"entry_time"`
	EntryPrice float64     `json:"entry_price"`
	ExitTime   int64       `json:"exit_time"`
	ExitPrice  float64     `json:"exit_price"`
	Qty        float64     `json:"qty"`
	PnL        float64     `json:"pnl"`
	PnLPct     float64     `json:"pnl_pct"`
	Fees       float64     `json:"fees"`
	BarsHeld   int         `json:"bars_held"`
	EntryTags  []string    `json:"entry_tags"`
	ExitReason string      `json:"exit_reason"`
	// 按 信号 → 顾问结论 → 持仓结果 的顺序保留完整链路
	SignalConfidence float64           `json:"signal_confidence"`
	Validation       validation.Result `json:"validation"`
}

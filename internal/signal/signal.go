package signal

import (
	"fmt"

	"orderpilot/internal/market"
	"orderpilot/internal/regime"
)

// EntrySignal 是一次候选开仓；被状态机消费一次后丢弃或转为持仓。
type EntrySignal struct {
	ID         string        `json:"id"`
	Symbol     string        `json:"symbol"`
	Side       market.Side   `json:"side"`
	Confidence float64       `json:"confidence"`
	Tags       []string      `json:"tags"`
	Timestamp  int64         `json:"timestamp"`
	Price      float64       `json:"price"`
	RuleSet    string        `json:"rule_set"`
	Regime     regime.Regime `json:"regime"`
}

// SignalID 由 symbol 与 K 线时间戳构成，回放时保持一致。
func SignalID(symbol string, ts int64) string {
	return fmt.Sprintf("%s-%d", symbol, ts)
}

// Skip 说明本根 K 线没有产生信号的原因。
type Skip string

const (
	SkipNone      Skip = ""
	SkipDisabled  Skip = "disabled"
	SkipNoEntry   Skip = "no_entry"
	SkipEntry     Skip = "entry_false"
	SkipCooldown  Skip = "cooldown"
	SkipRateLimit Skip = "rate_limit"
	SkipDuplicate Skip = "duplicate_candle"
	SkipEvalError Skip = "eval_error"
)

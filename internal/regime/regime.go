package regime

import (
	"fmt"
	"strings"
)

// Regime 为离散的市场状态标签。
type Regime string

const (
	TrendUp        Regime = "trend-up"
	TrendDown      Regime = "trend-down"
	Range          Regime = "range"
	HighVolatility Regime = "high-volatility"
	Squeeze        Regime = "squeeze"
	NoTrade        Regime = "no-trade"
)

// All 按打分平局时的优先级排列。
var All = []Regime{HighVolatility, TrendUp, TrendDown, Squeeze, Range, NoTrade}

func Parse(raw string) (Regime, error) {
	r := Regime(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case TrendUp, TrendDown, Range, HighVolatility, Squeeze, NoTrade:
		return r, nil
	default:
		return "", fmt.Errorf("unknown regime: %q", raw)
	}
}

func (r Regime) String() string { return string(r) }

// Tradable 为 false 的状态下不应开新仓。
func (r Regime) Tradable() bool {
	switch r {
	case NoTrade, "":
		return false
	default:
		return true
	}
}

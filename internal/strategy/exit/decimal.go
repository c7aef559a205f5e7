package exit

import (
	"math"

	"orderpilot/internal/market"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(1e-8)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

// trailingStopFor 以锚点（多头峰值/空头谷值）回撤 pct 计算跟踪止损。
func trailingStopFor(side market.Side, anchor, pct float64) float64 {
	if anchor <= 0 || pct <= 0 {
		return 0
	}
	factor := decOne.Sub(decFromFloat(pct))
	if side == market.SideShort {
		factor = decOne.Add(decFromFloat(pct))
	}
	return decToFloat(decFromFloat(anchor).Mul(factor))
}

// tighterStop 只有候选止损朝有利方向移动时才返回 true。
func tighterStop(side market.Side, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if side == market.SideShort {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// stopBreached 使用 K 线极值判断止损是否被触及。
func stopBreached(side market.Side, c market.Candle, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == market.SideShort {
		return decimalCompare(c.High, stop) >= 0
	}
	return decimalCompare(c.Low, stop) <= 0
}

// stopFillPrice 跳空越过止损时按开盘价成交，否则按止损价。
func stopFillPrice(side market.Side, c market.Candle, stop float64) float64 {
	if side == market.SideShort {
		if decimalCompare(c.Open, stop) > 0 {
			return c.Open
		}
		return stop
	}
	if decimalCompare(c.Open, stop) < 0 {
		return c.Open
	}
	return stop
}

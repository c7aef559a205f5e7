package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Sizer 把单笔风险预算和止损距离换算为下单数量。
type Sizer struct {
	RiskPerTradePct float64 // 0~1
	MaxExposurePct  float64 // 名义价值 / 权益 上限
	LotStep         float64
}

// Sizing 为一次仓位计算结果。
type Sizing struct {
	Qty          float64 `json:"qty"`
	Notional     float64 `json:"notional"`
	RiskAmount   float64 `json:"risk_amount"`
	StopDistance float64 `json:"stop_distance"`
	Clamped      bool    `json:"clamped"`
}

const defaultLotStep = 1e-6

// Size 计算 qty = equity × risk_pct × multiplier / |entry − stop|，并受 max_exposure 约束。
// multiplier 只能缩小仓位（CAUTION），>1 时按 1 处理。
func (s Sizer) Size(equity, entry, stop, multiplier float64) (Sizing, error) {
	if equity <= 0 || math.IsNaN(equity) {
		return Sizing{}, errInvalidEquity
	}
	if entry <= 0 {
		return Sizing{}, errInvalidEntry
	}
	dist := math.Abs(entry - stop)
	if dist <= 0 || math.IsNaN(dist) {
		return Sizing{}, errZeroStop
	}
	if s.RiskPerTradePct <= 0 || s.RiskPerTradePct > 1 {
		return Sizing{}, fmt.Errorf("risk_per_trade_pct must be in (0,1], got %v", s.RiskPerTradePct)
	}
	if multiplier <= 0 || multiplier > 1 {
		multiplier = 1
	}
	lot := s.LotStep
	if lot <= 0 {
		lot = defaultLotStep
	}
	lotDec := decimal.NewFromFloat(lot)
	budget := equity * s.RiskPerTradePct * multiplier

	qty := floorToLot(decimal.NewFromFloat(budget).Div(decimal.NewFromFloat(dist)), lotDec)
	clamped := false
	if s.MaxExposurePct > 0 {
		maxQty := floorToLot(decimal.NewFromFloat(equity*s.MaxExposurePct).Div(decimal.NewFromFloat(entry)), lotDec)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
			clamped = true
		}
	}
	q, _ := qty.Float64()
	// float 回转可能多出 1ulp，按 lot 回退保证 qty×dist ≤ budget。
	for q > 0 && q*dist > budget {
		qty = qty.Sub(lotDec)
		q, _ = qty.Float64()
	}
	if q < 0 {
		q = 0
	}
	return Sizing{
		Qty:          q,
		Notional:     q * entry,
		RiskAmount:   q * dist,
		StopDistance: dist,
		Clamped:      clamped,
	}, nil
}

func floorToLot(qty, lot decimal.Decimal) decimal.Decimal {
	if lot.IsZero() {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}

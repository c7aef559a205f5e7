package regime

import (
	"math"

	"orderpilot/internal/features"
)

// Thresholds 为规则打分使用的阈值。
type Thresholds struct {
	TrendSlopeMin     float64 // |trend| 下限（%/bar）
	ADXTrendMin       float64
	HighVolatilityPct float64
	SqueezeWidthPct   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TrendSlopeMin:     0.05,
		ADXTrendMin:       20,
		HighVolatilityPct: 4,
		SqueezeWidthPct:   1.5,
	}
}

const rangeBaseline = 40.0

// Score 对每个候选状态打分（0~100），不依赖外部调用。
func Score(v features.Vector, th Thresholds) map[Regime]float64 {
	scores := make(map[Regime]float64, len(All))
	if v.Warming {
		scores[NoTrade] = 100
		return scores
	}
	scores[Range] = rangeBaseline
	if th.HighVolatilityPct > 0 && v.Volatility >= th.HighVolatilityPct {
		scores[HighVolatility] = clamp(60+(v.Volatility/th.HighVolatilityPct-1)*40, 0, 100)
	}
	if th.SqueezeWidthPct > 0 && v.BBWidth > 0 && v.BBWidth <= th.SqueezeWidthPct && scores[HighVolatility] == 0 {
		scores[Squeeze] = clamp(50+(1-v.BBWidth/th.SqueezeWidthPct)*50, 0, 100)
	}
	if math.Abs(v.Trend) >= th.TrendSlopeMin && v.ADX >= th.ADXTrendMin {
		strength := clamp(50+(v.ADX-th.ADXTrendMin)+math.Abs(v.Trend)/math.Max(th.TrendSlopeMin, 1e-9)*5, 0, 100)
		switch {
		case v.Trend > 0 && v.EMAFast >= v.EMASlow:
			scores[TrendUp] = strength
		case v.Trend < 0 && v.EMAFast <= v.EMASlow:
			scores[TrendDown] = strength
		}
	}
	return scores
}

// Classify 返回得分最高的状态；平局时按 All 的顺序取靠前者。
func Classify(v features.Vector, th Thresholds) (Regime, float64) {
	scores := Score(v, th)
	best := NoTrade
	bestScore := -1.0
	for _, r := range All {
		s, ok := scores[r]
		if !ok {
			continue
		}
		if s > bestScore {
			best, bestScore = r, s
		}
	}
	if bestScore < 0 {
		return NoTrade, 0
	}
	return best, round2(bestScore)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

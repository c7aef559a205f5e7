package features

import "fmt"

// Vector 为某根 K 线收盘时的市场快照。Warming=true 表示窗口未满，其余字段无意义。
type Vector struct {
	Trend       float64 `json:"trend"`
	Volatility  float64 `json:"volatility"`
	Momentum    float64 `json:"momentum"`
	VolumeRatio float64 `json:"volume_ratio"`
	RSI         float64 `json:"rsi"`
	ADX         float64 `json:"adx"`
	BBWidth     float64 `json:"bb_width"`
	ATR         float64 `json:"atr"`
	EMAFast     float64 `json:"ema_fast"`
	EMASlow     float64 `json:"ema_slow"`
	Close       float64 `json:"close"`
	Count       int     `json:"count"`
	Warming     bool    `json:"warming"`
}

// Map 供表达式 DSL 使用，key 与 JSON tag 一致。
func (v Vector) Map() map[string]any {
	return map[string]any{
		"trend":        v.Trend,
		"volatility":   v.Volatility,
		"momentum":     v.Momentum,
		"volume_ratio": v.VolumeRatio,
		"rsi":          v.RSI,
		"adx":          v.ADX,
		"bb_width":     v.BBWidth,
		"atr":          v.ATR,
		"ema_fast":     v.EMAFast,
		"ema_slow":     v.EMASlow,
		"close":        v.Close,
		"count":        v.Count,
		"warming":      v.Warming,
	}
}

func (v Vector) String() string {
	if v.Warming {
		return fmt.Sprintf("warming(%d)", v.Count)
	}
	return fmt.Sprintf("trend=%.4f%% vol=%.4f%% mom=%.4f%% vr=%.2f rsi=%.1f adx=%.1f bbw=%.3f%%",
		v.Trend, v.Volatility, v.Momentum, v.VolumeRatio, v.RSI, v.ADX, v.BBWidth)
}

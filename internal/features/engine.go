package features

import (
	"math"

	"github.com/markcheno/go-talib"

	"orderpilot/internal/market"
)

// Config 描述特征计算参数，Window 为 W。
type Config struct {
	Window        int
	EMAFast       int
	EMASlow       int
	SlopeLookback int
	ATRPeriod     int
	ROCPeriod     int
	RSIPeriod     int
	BBPeriod      int
	BBDev         float64
	ADXPeriod     int
	VolumePeriod  int
}

// DefaultConfig 返回一组面向 15m/1h 周期的常用参数。
func DefaultConfig() Config {
	return Config{
		Window:        120,
		EMAFast:       21,
		EMASlow:       55,
		SlopeLookback: 5,
		ATRPeriod:     14,
		ROCPeriod:     9,
		RSIPeriod:     14,
		BBPeriod:      20,
		BBDev:         2,
		ADXPeriod:     14,
		VolumePeriod:  20,
	}
}

// MinWindow 返回所有指标都能给出有效值所需的最少 K 线数量。
func (c Config) MinWindow() int {
	need := c.EMASlow
	need = maxInt(need, c.EMAFast+c.SlopeLookback)
	need = maxInt(need, c.ATRPeriod+1)
	need = maxInt(need, c.ROCPeriod+1)
	need = maxInt(need, c.RSIPeriod+1)
	need = maxInt(need, c.BBPeriod)
	need = maxInt(need, 2*c.ADXPeriod+1)
	need = maxInt(need, c.VolumePeriod)
	return need + 1
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EMAFast <= 0 {
		c.EMAFast = def.EMAFast
	}
	if c.EMASlow <= 0 {
		c.EMASlow = def.EMASlow
	}
	if c.SlopeLookback <= 0 {
		c.SlopeLookback = def.SlopeLookback
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = def.ATRPeriod
	}
	if c.ROCPeriod <= 0 {
		c.ROCPeriod = def.ROCPeriod
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = def.RSIPeriod
	}
	if c.BBPeriod <= 0 {
		c.BBPeriod = def.BBPeriod
	}
	if c.BBDev <= 0 {
		c.BBDev = def.BBDev
	}
	if c.ADXPeriod <= 0 {
		c.ADXPeriod = def.ADXPeriod
	}
	if c.VolumePeriod <= 0 {
		c.VolumePeriod = def.VolumePeriod
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if need := c.MinWindow(); c.Window < need {
		c.Window = need
	}
	return c
}

// Engine 从滚动窗口计算固定形状的特征向量，同一窗口总是得到同一结果。
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

func (e *Engine) Config() Config { return e.cfg }

// Window 返回生效的 W（可能被抬高到 MinWindow）。
func (e *Engine) Window() int { return e.cfg.Window }

// Compute 只使用窗口内最后 W 根 K 线。
func (e *Engine) Compute(window []market.Candle) Vector {
	n := len(window)
	if n < e.cfg.Window {
		return Vector{Warming: true, Count: n}
	}
	window = window[n-e.cfg.Window:]
	n = len(window)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range window {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	last := closes[n-1]

	emaFast := talib.Ema(closes, e.cfg.EMAFast)
	emaSlow := talib.Ema(closes, e.cfg.EMASlow)
	atr := lastValid(talib.Atr(highs, lows, closes, e.cfg.ATRPeriod))
	upper, middle, lower := talib.BBands(closes, e.cfg.BBPeriod, e.cfg.BBDev, e.cfg.BBDev, talib.SMA)
	volSMA := lastValid(talib.Sma(volumes, e.cfg.VolumePeriod))

	v := Vector{
		Count:    n,
		Close:    last,
		EMAFast:  lastValid(emaFast),
		EMASlow:  lastValid(emaSlow),
		ATR:      atr,
		RSI:      lastValid(talib.Rsi(closes, e.cfg.RSIPeriod)),
		ADX:      lastValid(talib.Adx(highs, lows, closes, e.cfg.ADXPeriod)),
		Momentum: lastValid(talib.Roc(closes, e.cfg.ROCPeriod)),
		Trend:    slopePct(emaFast, e.cfg.SlopeLookback),
	}
	if last > 0 {
		v.Volatility = round4(atr / last * 100)
	}
	if mid := lastValid(middle); mid > 0 {
		v.BBWidth = round4((lastValid(upper) - lastValid(lower)) / mid * 100)
	}
	if volSMA > 0 {
		v.VolumeRatio = round4(volumes[n-1] / volSMA)
	}
	return v
}

// slopePct: EMA 在 lookback 根内的平均变化率（%/bar）。
func slopePct(series []float64, lookback int) float64 {
	n := len(series)
	if n <= lookback || lookback <= 0 {
		return 0
	}
	now := sanitize(series[n-1])
	then := sanitize(series[n-1-lookback])
	if then <= 0 {
		return 0
	}
	return round4((now/then - 1) * 100 / float64(lookback))
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return round4(v)
	}
	return 0
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

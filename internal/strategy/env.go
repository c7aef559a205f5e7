package strategy

import (
	"orderpilot/internal/features"
	"orderpilot/internal/market"
	"orderpilot/internal/regime"
)

// Env 是表达式求值的只读环境，字段名即 DSL 中的标识符。
type Env struct {
	Features FeatureEnv         `expr:"features"`
	Candle   CandleEnv          `expr:"candle"`
	Position PositionEnv        `expr:"position"`
	Regime   string             `expr:"regime"`
	Params   map[string]float64 `expr:"params"`
}

type FeatureEnv struct {
	Trend       float64 `expr:"trend"`
	Volatility  float64 `expr:"volatility"`
	Momentum    float64 `expr:"momentum"`
	VolumeRatio float64 `expr:"volume_ratio"`
	RSI         float64 `expr:"rsi"`
	ADX         float64 `expr:"adx"`
	BBWidth     float64 `expr:"bb_width"`
	ATR         float64 `expr:"atr"`
	EMAFast     float64 `expr:"ema_fast"`
	EMASlow     float64 `expr:"ema_slow"`
	Warming     bool    `expr:"warming"`
}

type CandleEnv struct {
	Open   float64 `expr:"open"`
	High   float64 `expr:"high"`
	Low    float64 `expr:"low"`
	Close  float64 `expr:"close"`
	Volume float64 `expr:"volume"`
}

// PositionEnv 在无持仓时 Open=false，其余字段为零值。
type PositionEnv struct {
	Open       bool    `expr:"open"`
	Side       string  `expr:"side"`
	EntryPrice float64 `expr:"entry_price"`
	Stop       float64 `expr:"stop"`
	Size       float64 `expr:"size"`
	PnLPct     float64 `expr:"pnl_pct"`
	BarsHeld   int     `expr:"bars_held"`
	Peak       float64 `expr:"peak"`
	Trough     float64 `expr:"trough"`
}

// PositionInput 是构建 PositionEnv 所需的最小持仓信息，避免依赖 bot 包。
type PositionInput struct {
	Side       market.Side
	EntryPrice float64
	Stop       float64
	Size       float64
	BarsHeld   int
	Peak       float64
	Trough     float64
}

// NewEnv 组装一次求值环境；pos 为 nil 表示空仓。
func NewEnv(c market.Candle, v features.Vector, r regime.Regime, pos *PositionInput, params map[string]float64) Env {
	env := Env{
		Features: FeatureEnv{
			Trend:       v.Trend,
			Volatility:  v.Volatility,
			Momentum:    v.Momentum,
			VolumeRatio: v.VolumeRatio,
			RSI:         v.RSI,
			ADX:         v.ADX,
			BBWidth:     v.BBWidth,
			ATR:         v.ATR,
			EMAFast:     v.EMAFast,
			EMASlow:     v.EMASlow,
			Warming:     v.Warming,
		},
		Candle: CandleEnv{
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		},
		Regime: string(r),
		Params: params,
	}
	if env.Params == nil {
		env.Params = map[string]float64{}
	}
	if pos != nil {
		env.Position = PositionEnv{
			Open:       true,
			Side:       string(pos.Side),
			EntryPrice: pos.EntryPrice,
			Stop:       pos.Stop,
			Size:       pos.Size,
			BarsHeld:   pos.BarsHeld,
			Peak:       pos.Peak,
			Trough:     pos.Trough,
		}
		if pos.EntryPrice > 0 {
			env.Position.PnLPct = (c.Close - pos.EntryPrice) / pos.EntryPrice * 100 * pos.Side.Sign()
		}
	}
	return env
}

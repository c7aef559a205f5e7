package market

import (
	"math"
	"time"
)

// DropReason 描述 bar 被丢弃的原因。
type DropReason string

const (
	DropNone      DropReason = ""
	DropMalformed DropReason = "malformed"
	DropDuplicate DropReason = "duplicate"
	DropOutlier   DropReason = "outlier"
)

// PreprocessConfig 控制清洗阈值。
type PreprocessConfig struct {
	Interval time.Duration
	// MaxJumpPct: 零成交量 bar 相对上一收盘的最大允许跳变（百分比）。
	MaxJumpPct float64
	// HardJumpPct: 任意 bar 的最大跳变，超过即视为脏数据；0 表示不限制。
	HardJumpPct float64
	// GapTolerance 允许的额外缺失 bar 数量，超过才算 gap。
	GapTolerance int
}

// Verdict 是单根 bar 的清洗结果。
type Verdict struct {
	Candle   Candle
	Accepted bool
	Reason   DropReason
	Detail   string
	Gap      bool
	Missing  int
}

// Preprocessor 为纯函数式的 K 线清洗器，不持有状态。
type Preprocessor struct {
	cfg PreprocessConfig
}

func NewPreprocessor(cfg PreprocessConfig) Preprocessor {
	if cfg.MaxJumpPct <= 0 {
		cfg.MaxJumpPct = 5
	}
	if cfg.GapTolerance < 0 {
		cfg.GapTolerance = 0
	}
	return Preprocessor{cfg: cfg}
}

func (p Preprocessor) Config() PreprocessConfig { return p.cfg }

// Clean 根据上一根已接受的 K 线校验 raw；prev 为 nil 表示窗口为空。
func (p Preprocessor) Clean(prev *Candle, raw RawBar) Verdict {
	c := raw.Candle()
	if c.CloseTime <= 0 && c.OpenTime > 0 && p.cfg.Interval > 0 {
		c.CloseTime = c.OpenTime + p.cfg.Interval.Milliseconds() - 1
	}
	if detail, ok := wellFormed(c); !ok {
		return Verdict{Reason: DropMalformed, Detail: detail}
	}
	if prev == nil {
		return Verdict{Candle: c, Accepted: true}
	}
	if c.OpenTime <= prev.OpenTime {
		return Verdict{Reason: DropDuplicate, Detail: "timestamp not after previous bar"}
	}
	if prev.Close > 0 {
		jump := math.Abs(c.Close/prev.Close-1) * 100
		if c.Volume == 0 && jump > p.cfg.MaxJumpPct {
			return Verdict{Reason: DropOutlier, Detail: "zero volume with implausible jump"}
		}
		if p.cfg.HardJumpPct > 0 && jump > p.cfg.HardJumpPct {
			return Verdict{Reason: DropOutlier, Detail: "price jump above hard limit"}
		}
	}
	v := Verdict{Candle: c, Accepted: true}
	if step := p.cfg.Interval.Milliseconds(); step > 0 {
		missing := int((c.OpenTime-prev.OpenTime)/step) - 1
		if missing > p.cfg.GapTolerance {
			v.Gap = true
			v.Missing = missing
		}
	}
	return v
}

func wellFormed(c Candle) (string, bool) {
	for _, f := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "non-finite value", false
		}
	}
	switch {
	case c.OpenTime <= 0:
		return "missing open time", false
	case c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0:
		return "non-positive price", false
	case c.High < c.Low:
		return "high below low", false
	case c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low:
		return "open/close outside range", false
	case c.Volume < 0:
		return "negative volume", false
	}
	return "", true
}

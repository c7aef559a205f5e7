package filter

import (
	"fmt"

	"orderpilot/internal/features"
	"orderpilot/internal/regime"
	"orderpilot/internal/risk"
)

// Config 控制禁止开仓的条件。
type Config struct {
	BlockedRegimes   []regime.Regime
	MinVolatilityPct float64
	MinVolumeRatio   float64
}

func DefaultConfig() Config {
	return Config{BlockedRegimes: []regime.Regime{regime.HighVolatility}}
}

// Decision 为过滤结果；Allow=false 时 Reason 说明原因。
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

const (
	ReasonKillSwitch    = "kill_switch"
	ReasonWarming       = "warming_up"
	ReasonNoTrade       = "regime_no_trade"
	ReasonBlockedRegime = "regime_blocked"
	ReasonLowVol        = "volatility_floor"
	ReasonLowVolume     = "volume_floor"
)

// NoTrade 是纯谓词，不持有可变状态。
type NoTrade struct {
	cfg     Config
	blocked map[regime.Regime]struct{}
}

func NewNoTrade(cfg Config) NoTrade {
	blocked := make(map[regime.Regime]struct{}, len(cfg.BlockedRegimes))
	for _, r := range cfg.BlockedRegimes {
		blocked[r] = struct{}{}
	}
	return NoTrade{cfg: cfg, blocked: blocked}
}

// Allow 判断当前是否允许开新仓。
func (f NoTrade) Allow(r regime.Regime, v features.Vector, limits risk.View) Decision {
	if limits != nil && limits.KillSwitchActive() {
		return Decision{Reason: ReasonKillSwitch}
	}
	if v.Warming {
		return Decision{Reason: ReasonWarming}
	}
	if !r.Tradable() {
		return Decision{Reason: ReasonNoTrade}
	}
	if _, ok := f.blocked[r]; ok {
		return Decision{Reason: fmt.Sprintf("%s:%s", ReasonBlockedRegime, r)}
	}
	if f.cfg.MinVolatilityPct > 0 && v.Volatility < f.cfg.MinVolatilityPct {
		return Decision{Reason: ReasonLowVol}
	}
	if f.cfg.MinVolumeRatio > 0 && v.VolumeRatio < f.cfg.MinVolumeRatio {
		return Decision{Reason: ReasonLowVolume}
	}
	return Decision{Allow: true}
}

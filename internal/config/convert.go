package config

import (
	"time"

	"orderpilot/internal/backtest"
	"orderpilot/internal/bot"
	"orderpilot/internal/features"
	"orderpilot/internal/filter"
	"orderpilot/internal/gateway/provider"
	"orderpilot/internal/market"
	"orderpilot/internal/regime"
	"orderpilot/internal/risk"
	"orderpilot/internal/signal"
	"orderpilot/internal/validation"
)

func (f FeaturesConfig) domain() features.Config {
	return features.Config{
		Window:        f.Window,
		EMAFast:       f.EMAFast,
		EMASlow:       f.EMASlow,
		SlopeLookback: f.SlopeLookback,
		ATRPeriod:     f.ATRPeriod,
		ROCPeriod:     f.ROCPeriod,
		RSIPeriod:     f.RSIPeriod,
		BBPeriod:      f.BBPeriod,
		BBDev:         f.BBDev,
		ADXPeriod:     f.ADXPeriod,
		VolumePeriod:  f.VolumePeriod,
	}
}

// IntervalDuration 在 Load 校验之后调用，interval 必然合法。
func (c *Config) IntervalDuration() time.Duration {
	tf, err := backtest.ParseTimeframe(c.Interval)
	if err != nil {
		return 0
	}
	return tf.Duration
}

// MachineConfig 生成单个交易对状态机的参数。
func (c *Config) MachineConfig(symbol string) bot.Config {
	return bot.Config{
		Symbol: symbol,
		Preprocess: market.PreprocessConfig{
			Interval:     c.IntervalDuration(),
			MaxJumpPct:   c.Preprocess.MaxJumpPct,
			HardJumpPct:  c.Preprocess.HardJumpPct,
			GapTolerance: c.Preprocess.GapTolerance,
		},
		Features: c.Features.domain(),
		Regime: regime.Thresholds{
			TrendSlopeMin:     c.Regime.TrendSlopeMin,
			ADXTrendMin:       c.Regime.ADXTrendMin,
			HighVolatilityPct: c.Regime.HighVolatilityPct,
			SqueezeWidthPct:   c.Regime.SqueezeWidthPct,
		},
		RegimeConfirm: c.Regime.Confirm,
		Signal: signal.Config{
			CooldownSeconds:   c.Signal.CooldownSeconds,
			MaxEntriesPerHour: c.Signal.MaxEntriesPerHour,
		},
		EntryTimeoutCandles: c.Bot.EntryTimeoutCandles,
		ExitTimeoutCandles:  c.Bot.ExitTimeoutCandles,
		CautionSizeFactor:   c.Bot.CautionSizeFactor,
		FlattenOnHalt:       c.Bot.FlattenOnHalt,
	}
}

func (c *Config) NoTradeConfig() filter.Config {
	blocked := make([]regime.Regime, 0, len(c.Filter.BlockedRegimes))
	for _, raw := range c.Filter.BlockedRegimes {
		if r, err := regime.Parse(raw); err == nil {
			blocked = append(blocked, r)
		}
	}
	return filter.Config{
		BlockedRegimes:   blocked,
		MinVolatilityPct: c.Filter.MinVolatilityPct,
		MinVolumeRatio:   c.Filter.MinVolumeRatio,
	}
}

func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		DailyLossLimitPct: c.Risk.DailyLossLimitPct,
		MaxExposurePct:    c.Risk.MaxExposurePct,
		RiskPerTradePct:   c.Risk.RiskPerTradePct,
	}
}

func (c *Config) Sizer() risk.Sizer {
	return risk.Sizer{
		RiskPerTradePct: c.Risk.RiskPerTradePct,
		MaxExposurePct:  c.Risk.MaxExposurePct,
		LotStep:         c.Risk.LotStep,
	}
}

func (c *Config) ValidationSettings() validation.Config {
	v := c.Validation
	return validation.Config{
		Enabled:               v.Enabled,
		Timeout:               seconds(v.TimeoutSeconds),
		DeepTimeout:           seconds(v.DeepTimeoutSeconds),
		QuickApproveThreshold: v.QuickApprove,
		QuickDeepThreshold:    v.QuickDeep,
		DeepApproveThreshold:  v.DeepApprove,
		DeepVetoThreshold:     v.DeepVeto,
		BoostThreshold:        v.Boost,
		FallbackToTechnical:   v.FallbackToTechnical,
	}
}

// BacktestSettings 与实盘共用同一套管线参数，保证回测与实盘行为一致。
func (c *Config) BacktestSettings() backtest.Settings {
	return backtest.Settings{
		Machine:    c.MachineConfig(""),
		Filter:     c.NoTradeConfig(),
		Risk:       c.RiskLimits(),
		LotStep:    c.Risk.LotStep,
		Validation: c.ValidationSettings(),
	}
}

// ModelCfgs 按 id 返回已启用的模型配置。
func (c *Config) ModelCfgs() map[string]provider.ModelCfg {
	out := make(map[string]provider.ModelCfg, len(c.Validation.Models))
	for _, m := range c.Validation.Models {
		enabled := m.Enabled == nil || *m.Enabled
		if !enabled {
			continue
		}
		out[m.ID] = provider.ModelCfg{
			ID:                m.ID,
			Provider:          m.Provider,
			APIURL:            m.APIURL,
			APIKey:            m.APIKey,
			Model:             m.Model,
			Enabled:           true,
			Headers:           m.Headers,
			Temperature:       m.Temperature,
			MaxRetries:        m.MaxRetries,
			RequestsPerMinute: m.RequestsPerMinute,
		}
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

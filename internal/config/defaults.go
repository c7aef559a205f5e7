package config

import (
	"os"
	"strings"

	"orderpilot/internal/features"
	"orderpilot/internal/pkg/symbol"
	"orderpilot/internal/regime"
	"orderpilot/internal/signal"
	"orderpilot/internal/validation"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "data/logs/orderpilot.log"
	defaultAdvisorLogPath  = "data/logs/advisor.log"
	defaultMarketSource    = "binance"
	defaultMarketREST      = "https://fapi.binance.com"
	defaultMarketTimeout   = 15
	defaultMarketBuffer    = 512
	defaultInterval        = "15m"
	defaultMaxJumpPct      = 10
	defaultGapTolerance    = 1
	defaultRegimeConfirm   = 3
	defaultRulesPath       = "configs/rules.yaml"
	defaultDailyLossPct    = 0.03
	defaultMaxExposurePct  = 1.0
	defaultRiskPerTradePct = 0.01
	defaultLotStep         = 0.001
	defaultInitialEquity   = 10_000
	defaultValidationMode  = validation.ModeStub
	defaultTapePath        = "data/advisor_tape.json"
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 60
	defaultEntryTimeout    = 2
	defaultExitTimeout     = 1
	defaultCautionFactor   = 0.5
	defaultMailbox         = 64
	defaultRecentEvents    = 1000
	defaultBrokerMode      = "paper"
	defaultSlippageBps     = 2
	defaultFeeBps          = 4
	defaultBacktestDir     = "data/backtest"
	defaultMaxConcurrent   = 2
	defaultRateLimit       = 1200
	defaultMaxBatch        = 1000
	defaultAuditPath       = "data/live/audit.db"
	defaultAuditBuffer     = 1024
)

// applyDefaults 为所有子配置应用默认值；文件里显式写出的键不覆盖。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	applyFieldDefaults(keys, stringFieldDefault("interval", &c.Interval, defaultInterval))
	c.Interval = strings.ToLower(strings.TrimSpace(c.Interval))
	c.Symbols = symbol.NormalizeList(c.Symbols)
	c.Preprocess.applyDefaults(keys)
	c.Features.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Filter.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Validation.applyDefaults(keys)
	c.Bot.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Backtest.applyDefaults(keys, c)
	c.Audit.applyDefaults(keys)
	c.Notify.Telegram.BotToken = os.ExpandEnv(strings.TrimSpace(c.Notify.Telegram.BotToken))
	c.Notify.Telegram.ChatID = os.ExpandEnv(strings.TrimSpace(c.Notify.Telegram.ChatID))
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.advisor_log_path", &a.AdvisorLog, defaultAdvisorLogPath),
		boolFieldDefault("app.live_enabled", &a.LiveEnabled, true),
		boolFieldDefault("app.metrics_enabled", &a.MetricsEnabled, true),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	m.Proxy.normalize()
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		intFieldDefault("market.http_timeout_seconds", &m.HTTPTimeoutSeconds, defaultMarketTimeout),
		intFieldDefault("market.buffer", &m.Buffer, defaultMarketBuffer),
	)
	m.Source = strings.ToLower(strings.TrimSpace(m.Source))
}

func (p *PreprocessConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("preprocess.max_jump_pct", &p.MaxJumpPct, defaultMaxJumpPct),
		intFieldDefault("preprocess.gap_tolerance", &p.GapTolerance, defaultGapTolerance),
	)
}

func (f *FeaturesConfig) applyDefaults(keys keySet) {
	d := features.DefaultConfig()
	applyFieldDefaults(keys,
		intFieldDefault("features.window", &f.Window, d.Window),
		intFieldDefault("features.ema_fast", &f.EMAFast, d.EMAFast),
		intFieldDefault("features.ema_slow", &f.EMASlow, d.EMASlow),
		intFieldDefault("features.slope_lookback", &f.SlopeLookback, d.SlopeLookback),
		intFieldDefault("features.atr_period", &f.ATRPeriod, d.ATRPeriod),
		intFieldDefault("features.roc_period", &f.ROCPeriod, d.ROCPeriod),
		intFieldDefault("features.rsi_period", &f.RSIPeriod, d.RSIPeriod),
		intFieldDefault("features.bb_period", &f.BBPeriod, d.BBPeriod),
		floatFieldDefault("features.bb_dev", &f.BBDev, d.BBDev),
		intFieldDefault("features.adx_period", &f.ADXPeriod, d.ADXPeriod),
		intFieldDefault("features.volume_period", &f.VolumePeriod, d.VolumePeriod),
	)
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	d := regime.DefaultThresholds()
	applyFieldDefaults(keys,
		floatFieldDefault("regime.trend_slope_min", &r.TrendSlopeMin, d.TrendSlopeMin),
		floatFieldDefault("regime.adx_trend_min", &r.ADXTrendMin, d.ADXTrendMin),
		floatFieldDefault("regime.high_volatility_pct", &r.HighVolatilityPct, d.HighVolatilityPct),
		floatFieldDefault("regime.squeeze_width_pct", &r.SqueezeWidthPct, d.SqueezeWidthPct),
		intFieldDefault("regime.confirm", &r.Confirm, defaultRegimeConfirm),
	)
}

func (f *FilterConfig) applyDefaults(keys keySet) {
	if !keys.isSet("filter.blocked_regimes") && len(f.BlockedRegimes) == 0 {
		f.BlockedRegimes = []string{string(regime.HighVolatility)}
	}
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	d := signal.DefaultConfig()
	applyFieldDefaults(keys,
		intFieldDefault("signal.cooldown_seconds", &s.CooldownSeconds, d.CooldownSeconds),
		intFieldDefault("signal.max_entries_per_hour", &s.MaxEntriesPerHour, d.MaxEntriesPerHour),
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.rules_path", &s.RulesPath, defaultRulesPath),
		boolFieldDefault("strategy.watch", &s.Watch, true),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.daily_loss_limit_pct", &r.DailyLossLimitPct, defaultDailyLossPct),
		floatFieldDefault("risk.max_exposure_pct", &r.MaxExposurePct, defaultMaxExposurePct),
		floatFieldDefault("risk.risk_per_trade_pct", &r.RiskPerTradePct, defaultRiskPerTradePct),
		floatFieldDefault("risk.lot_step", &r.LotStep, defaultLotStep),
		floatFieldDefault("risk.initial_equity", &r.InitialEquity, defaultInitialEquity),
	)
}

func (v *ValidationConfig) applyDefaults(keys keySet) {
	d := validation.DefaultConfig()
	applyFieldDefaults(keys,
		boolFieldDefault("validation.enabled", &v.Enabled, d.Enabled),
		stringFieldDefault("validation.mode", &v.Mode, defaultValidationMode),
		floatFieldDefault("validation.timeout_seconds", &v.TimeoutSeconds, d.Timeout.Seconds()),
		floatFieldDefault("validation.deep_timeout_seconds", &v.DeepTimeoutSeconds, d.DeepTimeout.Seconds()),
		floatFieldDefault("validation.quick_approve", &v.QuickApprove, d.QuickApproveThreshold),
		floatFieldDefault("validation.quick_deep", &v.QuickDeep, d.QuickDeepThreshold),
		floatFieldDefault("validation.deep_approve", &v.DeepApprove, d.DeepApproveThreshold),
		floatFieldDefault("validation.deep_veto", &v.DeepVeto, d.DeepVetoThreshold),
		floatFieldDefault("validation.boost", &v.Boost, d.BoostThreshold),
		stringFieldDefault("validation.tape_path", &v.TapePath, defaultTapePath),
		intFieldDefault("validation.breaker_failures", &v.BreakerFailures, defaultBreakerFailures),
		intFieldDefault("validation.breaker_cooldown_seconds", &v.BreakerCooldownSecs, defaultBreakerCooldown),
	)
	v.Mode = strings.ToLower(strings.TrimSpace(v.Mode))
	for i := range v.Models {
		m := &v.Models[i]
		m.ID = strings.TrimSpace(m.ID)
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		if m.Provider == "" {
			m.Provider = "openai"
		}
		m.APIKey = os.ExpandEnv(strings.TrimSpace(m.APIKey))
		if m.Enabled == nil {
			enabled := true
			m.Enabled = &enabled
		}
	}
}

func (b *BotConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("bot.entry_timeout_candles", &b.EntryTimeoutCandles, defaultEntryTimeout),
		intFieldDefault("bot.exit_timeout_candles", &b.ExitTimeoutCandles, defaultExitTimeout),
		floatFieldDefault("bot.caution_size_factor", &b.CautionSizeFactor, defaultCautionFactor),
		boolFieldDefault("bot.flatten_on_halt", &b.FlattenOnHalt, true),
		intFieldDefault("bot.mailbox", &b.Mailbox, defaultMailbox),
		intFieldDefault("bot.recent_events", &b.RecentEvents, defaultRecentEvents),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		floatFieldDefault("broker.slippage_bps", &b.SlippageBps, defaultSlippageBps),
		floatFieldDefault("broker.fee_bps", &b.FeeBps, defaultFeeBps),
	)
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
}

func (b *BacktestConfig) applyDefaults(keys keySet, root *Config) {
	applyFieldDefaults(keys,
		boolFieldDefault("backtest.enabled", &b.Enabled, true),
		stringFieldDefault("backtest.data_dir", &b.DataDir, defaultBacktestDir),
		intFieldDefault("backtest.max_concurrent", &b.MaxConcurrent, defaultMaxConcurrent),
		intFieldDefault("backtest.rate_limit_per_min", &b.RateLimitPerMin, defaultRateLimit),
		intFieldDefault("backtest.max_batch", &b.MaxBatch, defaultMaxBatch),
		stringFieldDefault("backtest.timeframe", &b.Timeframe, root.Interval),
		floatFieldDefault("backtest.initial_equity", &b.InitialEquity, root.Risk.InitialEquity),
		floatFieldDefault("backtest.fee_bps", &b.FeeBps, root.Broker.FeeBps),
		floatFieldDefault("backtest.slippage_bps", &b.SlippageBps, root.Broker.SlippageBps),
		boolFieldDefault("backtest.report_on_finish", &b.ReportOnFinish, true),
		stringFieldDefault("backtest.advisor_mode", &b.AdvisorMode, validation.ModeStub),
	)
}

func (a *AuditConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("audit.enabled", &a.Enabled, true),
		stringFieldDefault("audit.path", &a.Path, defaultAuditPath),
		intFieldDefault("audit.buffer", &a.Buffer, defaultAuditBuffer),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 只在文件未写出该键时生效。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

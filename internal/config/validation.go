package config

import (
	"fmt"
	"strings"

	"orderpilot/internal/backtest"
	"orderpilot/internal/regime"
	"orderpilot/internal/validation"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if _, err := backtest.ParseTimeframe(c.Interval); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if c.App.LiveEnabled && len(c.Symbols) == 0 {
		return fmt.Errorf("symbols requires at least one symbol when app.live_enabled")
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Preprocess.validate(); err != nil {
		return err
	}
	if err := c.Features.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Filter.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Validation.validate(); err != nil {
		return err
	}
	if err := c.Bot.validate(); err != nil {
		return err
	}
	if c.Broker.Mode != defaultBrokerMode {
		return fmt.Errorf("broker.mode %q not supported (only paper)", c.Broker.Mode)
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.Path) == "" {
		return fmt.Errorf("audit.path cannot be empty")
	}
	if t := c.Notify.Telegram; t.Enabled && (t.BotToken == "" || t.ChatID == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if m.Source != defaultMarketSource {
		return fmt.Errorf("market.source %q not supported", m.Source)
	}
	if m.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("market.http_timeout_seconds must be > 0")
	}
	return nil
}

func (p *PreprocessConfig) validate() error {
	if p.MaxJumpPct < 0 || p.HardJumpPct < 0 {
		return fmt.Errorf("preprocess jump limits must be >= 0")
	}
	if p.GapTolerance < 0 {
		return fmt.Errorf("preprocess.gap_tolerance must be >= 0")
	}
	return nil
}

func (f *FeaturesConfig) validate() error {
	periods := map[string]int{
		"ema_fast": f.EMAFast, "ema_slow": f.EMASlow, "slope_lookback": f.SlopeLookback,
		"atr_period": f.ATRPeriod, "roc_period": f.ROCPeriod, "rsi_period": f.RSIPeriod,
		"bb_period": f.BBPeriod, "adx_period": f.ADXPeriod, "volume_period": f.VolumePeriod,
	}
	for k, v := range periods {
		if v <= 0 {
			return fmt.Errorf("features.%s must be > 0", k)
		}
	}
	if f.EMAFast >= f.EMASlow {
		return fmt.Errorf("features.ema_fast must be < features.ema_slow")
	}
	if need := f.domain().MinWindow(); f.Window < need {
		return fmt.Errorf("features.window must be >= %d for the configured periods", need)
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	if r.Confirm < 1 {
		return fmt.Errorf("regime.confirm must be >= 1")
	}
	if r.ADXTrendMin <= 0 || r.HighVolatilityPct <= 0 {
		return fmt.Errorf("regime thresholds must be > 0")
	}
	return nil
}

func (f *FilterConfig) validate() error {
	for _, raw := range f.BlockedRegimes {
		if _, err := regime.Parse(raw); err != nil {
			return fmt.Errorf("filter.blocked_regimes: %w", err)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.DailyLossLimitPct <= 0 || r.DailyLossLimitPct >= 1 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be in (0,1)")
	}
	if r.RiskPerTradePct <= 0 || r.RiskPerTradePct >= 1 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0,1)")
	}
	if r.MaxExposurePct <= 0 {
		return fmt.Errorf("risk.max_exposure_pct must be > 0")
	}
	if r.InitialEquity <= 0 {
		return fmt.Errorf("risk.initial_equity must be > 0")
	}
	return nil
}

func (v *ValidationConfig) validate() error {
	switch v.Mode {
	case validation.ModeStub, validation.ModeReplay, validation.ModeLive:
	default:
		return fmt.Errorf("validation.mode must be live, stub or replay")
	}
	if v.QuickDeep >= v.QuickApprove {
		return fmt.Errorf("validation.quick_deep must be < validation.quick_approve")
	}
	if v.DeepVeto >= v.DeepApprove {
		return fmt.Errorf("validation.deep_veto must be < validation.deep_approve")
	}
	if v.Boost < v.QuickApprove {
		return fmt.Errorf("validation.boost must be >= validation.quick_approve")
	}
	if v.Mode == validation.ModeReplay && strings.TrimSpace(v.TapePath) == "" {
		return fmt.Errorf("validation.tape_path required for replay mode")
	}
	if v.Mode != validation.ModeLive || !v.Enabled {
		return nil
	}
	if len(v.Models) == 0 {
		return fmt.Errorf("validation.models requires at least one model in live mode")
	}
	ids := make(map[string]bool, len(v.Models))
	for _, m := range v.Models {
		if m.ID == "" {
			return fmt.Errorf("validation.models contains entry without id")
		}
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("validation.models.%s missing model", m.ID)
		}
		if strings.TrimSpace(m.APIURL) == "" {
			return fmt.Errorf("validation.models.%s missing api_url", m.ID)
		}
		ids[m.ID] = true
	}
	for _, ref := range []string{v.QuickModel, v.DeepModel} {
		if ref != "" && !ids[ref] {
			return fmt.Errorf("validation model %q is not configured", ref)
		}
	}
	return nil
}

func (b *BotConfig) validate() error {
	if b.EntryTimeoutCandles < 1 || b.ExitTimeoutCandles < 1 {
		return fmt.Errorf("bot order timeouts must be >= 1 candle")
	}
	if b.CautionSizeFactor <= 0 || b.CautionSizeFactor > 1 {
		return fmt.Errorf("bot.caution_size_factor must be in (0,1]")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if !b.Enabled {
		return nil
	}
	if _, err := backtest.ParseTimeframe(b.Timeframe); err != nil {
		return fmt.Errorf("backtest.timeframe: %w", err)
	}
	if b.MaxConcurrent < 1 {
		return fmt.Errorf("backtest.max_concurrent must be >= 1")
	}
	switch b.AdvisorMode {
	case validation.ModeStub, validation.ModeReplay, validation.ModeLive:
	default:
		return fmt.Errorf("backtest.advisor_mode must be stub, replay or live, got %q", b.AdvisorMode)
	}
	return nil
}

package config

import "strings"

// Config 是 orderpilot 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Market     MarketConfig     `toml:"market"`
	Symbols    []string         `toml:"symbols"`
	Interval   string           `toml:"interval"`
	Preprocess PreprocessConfig `toml:"preprocess"`
	Features   FeaturesConfig   `toml:"features"`
	Regime     RegimeConfig     `toml:"regime"`
	Filter     FilterConfig     `toml:"filter"`
	Signal     SignalConfig     `toml:"signal"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Risk       RiskConfig       `toml:"risk"`
	Validation ValidationConfig `toml:"validation"`
	Bot        BotConfig        `toml:"bot"`
	Broker     BrokerConfig     `toml:"broker"`
	Backtest   BacktestConfig   `toml:"backtest"`
	Audit      AuditConfig      `toml:"audit"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env            string `toml:"env"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
	HTTPAddr       string `toml:"http_addr"`
	LogPath        string `toml:"log_path"`
	AdvisorLog     string `toml:"advisor_log_path"`
	AdvisorDump    bool   `toml:"advisor_dump_payload"`
	LiveEnabled    bool   `toml:"live_enabled"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// MarketConfig 描述行情源（目前只有 binance futures）。
type MarketConfig struct {
	Source             string      `toml:"source"`
	RESTBaseURL        string      `toml:"rest_base_url"`
	HTTPTimeoutSeconds int         `toml:"http_timeout_seconds"`
	RequestsPerSecond  float64     `toml:"requests_per_second"`
	Buffer             int         `toml:"buffer"`
	Proxy              ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

type PreprocessConfig struct {
	MaxJumpPct   float64 `toml:"max_jump_pct"`
	HardJumpPct  float64 `toml:"hard_jump_pct"`
	GapTolerance int     `toml:"gap_tolerance"`
}

type FeaturesConfig struct {
	Window        int     `toml:"window"`
	EMAFast       int     `toml:"ema_fast"`
	EMASlow       int     `toml:"ema_slow"`
	SlopeLookback int     `toml:"slope_lookback"`
	ATRPeriod     int     `toml:"atr_period"`
	ROCPeriod     int     `toml:"roc_period"`
	RSIPeriod     int     `toml:"rsi_period"`
	BBPeriod      int     `toml:"bb_period"`
	BBDev         float64 `toml:"bb_dev"`
	ADXPeriod     int     `toml:"adx_period"`
	VolumePeriod  int     `toml:"volume_period"`
}

type RegimeConfig struct {
	TrendSlopeMin     float64 `toml:"trend_slope_min"`
	ADXTrendMin       float64 `toml:"adx_trend_min"`
	HighVolatilityPct float64 `toml:"high_volatility_pct"`
	SqueezeWidthPct   float64 `toml:"squeeze_width_pct"`
	Confirm           int     `toml:"confirm"`
}

type FilterConfig struct {
	BlockedRegimes   []string `toml:"blocked_regimes"`
	MinVolatilityPct float64  `toml:"min_volatility_pct"`
	MinVolumeRatio   float64  `toml:"min_volume_ratio"`
}

type SignalConfig struct {
	CooldownSeconds   int `toml:"cooldown_seconds"`
	MaxEntriesPerHour int `toml:"max_entries_per_hour"`
}

type StrategyConfig struct {
	RulesPath string `toml:"rules_path"`
	Watch     bool   `toml:"watch"`
}

type RiskConfig struct {
	DailyLossLimitPct float64 `toml:"daily_loss_limit_pct"`
	MaxExposurePct    float64 `toml:"max_exposure_pct"`
	RiskPerTradePct   float64 `toml:"risk_per_trade_pct"`
	LotStep           float64 `toml:"lot_step"`
	InitialEquity     float64 `toml:"initial_equity"`
}

// ValidationConfig 控制 quick→deep 顾问闸门与模型接入。
type ValidationConfig struct {
	Enabled             bool          `toml:"enabled"`
	Mode                string        `toml:"mode"` // live | stub | replay
	TimeoutSeconds      float64       `toml:"timeout_seconds"`
	DeepTimeoutSeconds  float64       `toml:"deep_timeout_seconds"`
	QuickApprove        float64       `toml:"quick_approve"`
	QuickDeep           float64       `toml:"quick_deep"`
	DeepApprove         float64       `toml:"deep_approve"`
	DeepVeto            float64       `toml:"deep_veto"`
	Boost               float64       `toml:"boost"`
	FallbackToTechnical bool          `toml:"fallback_to_technical"`
	TapePath            string        `toml:"tape_path"`
	Record              bool          `toml:"record"`
	BreakerFailures     int           `toml:"breaker_failures"`
	BreakerCooldownSecs int           `toml:"breaker_cooldown_seconds"`
	QuickModel          string        `toml:"quick_model"`
	DeepModel           string        `toml:"deep_model"`
	Models              []ModelConfig `toml:"models"`
}

type ModelConfig struct {
	ID                string            `toml:"id"`
	Provider          string            `toml:"provider"`
	APIURL            string            `toml:"api_url"`
	APIKey            string            `toml:"api_key"`
	Model             string            `toml:"model"`
	Enabled           *bool             `toml:"enabled"`
	Headers           map[string]string `toml:"headers"`
	Temperature       float64           `toml:"temperature"`
	MaxRetries        int               `toml:"max_retries"`
	RequestsPerMinute int               `toml:"requests_per_minute"`
}

type BotConfig struct {
	EntryTimeoutCandles int     `toml:"entry_timeout_candles"`
	ExitTimeoutCandles  int     `toml:"exit_timeout_candles"`
	CautionSizeFactor   float64 `toml:"caution_size_factor"`
	FlattenOnHalt       bool    `toml:"flatten_on_halt"`
	Mailbox             int     `toml:"mailbox"`
	RecentEvents        int     `toml:"recent_events"`
}

// BrokerConfig 目前只支持 paper，成交在下一根 K 线结算。
type BrokerConfig struct {
	Mode        string  `toml:"mode"`
	SlippageBps float64 `toml:"slippage_bps"`
	FeeBps      float64 `toml:"fee_bps"`
}

type BacktestConfig struct {
	Enabled         bool    `toml:"enabled"`
	DataDir         string  `toml:"data_dir"`
	MaxConcurrent   int     `toml:"max_concurrent"`
	RateLimitPerMin int     `toml:"rate_limit_per_min"`
	MaxBatch        int     `toml:"max_batch"`
	Timeframe       string  `toml:"timeframe"`
	InitialEquity   float64 `toml:"initial_equity"`
	FeeBps          float64 `toml:"fee_bps"`
	SlippageBps     float64 `toml:"slippage_bps"`
	ReportOnFinish  bool    `toml:"report_on_finish"`
	// AdvisorMode 为回测使用的顾问：stub（默认）/ replay / live
	AdvisorMode string `toml:"advisor_mode"`
}

type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Buffer  int    `toml:"buffer"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `toml:"enabled"`
	BotToken   string `toml:"bot_token"`
	ChatID     string `toml:"chat_id"`
	NotifyGaps bool   `toml:"notify_gaps"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

package app

import (
	"context"
	"fmt"
	"strings"

	"orderpilot/internal/backtest"
	"orderpilot/internal/bot"
	"orderpilot/internal/config"
	"orderpilot/internal/features"
	"orderpilot/internal/filter"
	"orderpilot/internal/gateway/notifier"
	"orderpilot/internal/gateway/provider"
	"orderpilot/internal/logger"
	"orderpilot/internal/metrics"
	"orderpilot/internal/risk"
	"orderpilot/internal/store/sqlite"
	"orderpilot/internal/strategy"
	"orderpilot/internal/strategy/exit"
	backtesthttp "orderpilot/internal/transport/http/backtest"
	livehttp "orderpilot/internal/transport/http/live"
	"orderpilot/internal/validation"
)

// AppBuilder 按配置组装依赖；各 Fn 可在测试中替换。
type AppBuilder struct {
	cfg *config.Config

	marketFn   func(config.MarketConfig) (MarketSource, error)
	advisorFn  func(config.ValidationConfig, map[string]provider.ModelCfg) (validation.Advisor, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

// WithAdvisor 跳过按模式构建顾问，直接使用给定实现。
func WithAdvisor(adv validation.Advisor) AppBuilderOption {
	return func(b *AppBuilder) {
		b.advisorFn = func(config.ValidationConfig, map[string]provider.ModelCfg) (validation.Advisor, error) { return adv, nil }
	}
}

// WithMarketSource 替换行情源（测试用）。
func WithMarketSource(src MarketSource) AppBuilderOption {
	return func(b *AppBuilder) {
		b.marketFn = func(config.MarketConfig) (MarketSource, error) { return src, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		marketFn:   buildMarketSource,
		advisorFn:  buildAdvisor,
		notifierFn: buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	if cfg.App.MetricsEnabled {
		metrics.Register()
	}

	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := b.buildStrategy(a); err != nil {
		return nil, err
	}
	logger.Infof("✓ 规则集已加载: %v", a.selector.Catalog().Names())

	a.risk = risk.NewManager(cfg.RiskLimits(), cfg.Risk.InitialEquity)
	a.risk.OnTrip(func(reason string) {
		metrics.SetKillSwitch(true)
		logger.Errorf("[risk] kill switch tripped: %s", reason)
	})

	advisor, err := b.advisorFn(cfg.Validation, cfg.ModelCfgs())
	if err != nil {
		return nil, err
	}
	if cfg.Validation.Record && cfg.Validation.Mode != validation.ModeReplay {
		a.recorder = validation.NewRecordingAdvisor(advisor, validation.NewTape())
		advisor = a.recorder
	}
	a.validator = validation.NewService(cfg.ValidationSettings(), advisor)
	logger.Infof("✓ 校验模式: %s (enabled=%v)", a.validator.Mode(), cfg.Validation.Enabled)

	if cfg.App.LiveEnabled || cfg.Backtest.Enabled {
		src, err := b.marketFn(cfg.Market)
		if err != nil {
			return nil, fmt.Errorf("init market source: %w", err)
		}
		a.source = src
	}

	sink, err := b.buildSinks(a)
	if err != nil {
		return nil, err
	}
	if cfg.App.LiveEnabled {
		if err := b.buildEngine(a, sink); err != nil {
			return nil, err
		}
	}
	if cfg.Backtest.Enabled {
		if err := b.buildBacktest(a, advisor); err != nil {
			return nil, err
		}
	}
	if err := b.buildHTTP(a); err != nil {
		return nil, err
	}
	a.Summary = newStartupSummary(cfg, a)
	ok = true
	return a, nil
}

func (b *AppBuilder) buildStrategy(a *App) error {
	path := strings.TrimSpace(b.cfg.Strategy.RulesPath)
	if path == "" {
		logger.Warnf("strategy.rules_path 未配置，仅使用保守规则集")
		a.selector = strategy.NewSelector(nil)
		return nil
	}
	loader, err := strategy.NewLoader(path, b.cfg.Strategy.Watch)
	if err != nil {
		return fmt.Errorf("加载规则文件失败: %w", err)
	}
	a.rules = loader
	a.selector = strategy.NewSelector(loader.Snapshot().Catalog)
	loader.OnChange(func(s strategy.Snapshot) {
		a.selector.Swap(s.Catalog)
		logger.Infof("[strategy] rules reloaded v%d: %v", s.Version, s.Catalog.Names())
	})
	return nil
}

// buildSinks 组装事件出口：日志、内存、指标、审计库、告警。
func (b *AppBuilder) buildSinks(a *App) (bot.EventSink, error) {
	cfg := b.cfg
	a.events = bot.NewRecorder(cfg.Bot.RecentEvents)
	sinks := bot.MultiSink{bot.LogSink{}, a.events}
	if cfg.App.MetricsEnabled {
		sinks = append(sinks, bot.MetricsSink{})
	}
	if cfg.Audit.Enabled {
		st, err := sqlite.NewAuditStore(cfg.Audit.Path, cfg.Audit.Buffer)
		if err != nil {
			return nil, fmt.Errorf("初始化审计存储失败: %w", err)
		}
		a.audit = st
		sinks = append(sinks, st)
	}
	if out := b.notifierFn(cfg.Notify); out != nil {
		a.alerts = notifier.NewAlertSink(out, cfg.Audit.Buffer, cfg.Notify.Telegram.NotifyGaps)
		sinks = append(sinks, a.alerts)
	}
	return sinks, nil
}

func (b *AppBuilder) buildEngine(a *App, sink bot.EventSink) error {
	cfg := b.cfg
	broker := bot.NewPaperBroker(cfg.Broker.SlippageBps, cfg.Broker.FeeBps)
	nt := filter.NewNoTrade(cfg.NoTradeConfig())
	machines := make([]*bot.Machine, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		m, err := bot.NewMachine(cfg.MachineConfig(sym), bot.Deps{
			Filter:    nt,
			Selector:  a.selector,
			Checker:   exit.NewChecker(),
			Sizer:     cfg.Sizer(),
			Risk:      a.risk,
			Validator: a.validator,
			Broker:    broker,
			Sink:      sink,
		})
		if err != nil {
			return err
		}
		machines = append(machines, m)
	}
	eng, err := bot.NewEngine(a.source, cfg.Interval, a.risk, machines, cfg.Bot.Mailbox)
	if err != nil {
		return err
	}
	if a.source != nil {
		// 只预热 W-1 根，保证首根实时 K 线之前不会产生信号。
		warm := features.NewEngine(cfg.MachineConfig("").Features).Window() - 1
		eng.WithWarmup(a.source, warm, cfg.IntervalDuration())
	}
	a.engine = eng
	return nil
}

func (b *AppBuilder) buildBacktest(a *App, advisor validation.Advisor) error {
	cfg := b.cfg
	candles, err := backtest.NewCandleStore(cfg.Backtest.DataDir)
	if err != nil {
		return fmt.Errorf("初始化 K 线存储失败: %w", err)
	}
	a.candles = candles
	loader, err := backtest.NewLoader(candles, a.source, backtest.LoaderConfig{
		RateLimitPerMin: cfg.Backtest.RateLimitPerMin,
		MaxBatch:        cfg.Backtest.MaxBatch,
	})
	if err != nil {
		return err
	}
	results, err := backtest.NewResultStore(cfg.Backtest.DataDir)
	if err != nil {
		return fmt.Errorf("初始化回测结果存储失败: %w", err)
	}
	advisor, err = backtestAdvisor(cfg.Backtest.AdvisorMode, cfg.Validation, advisor)
	if err != nil {
		_ = results.Close()
		return err
	}
	harness := backtest.NewHarness(cfg.BacktestSettings(), a.selector, advisor)
	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Harness:        harness,
		Loader:         loader,
		Results:        results,
		MaxConcurrent:  cfg.Backtest.MaxConcurrent,
		DefaultTF:      cfg.Backtest.Timeframe,
		InitialEquity:  cfg.Backtest.InitialEquity,
		FeeBps:         cfg.Backtest.FeeBps,
		SlippageBps:    cfg.Backtest.SlippageBps,
		ReportOnFinish: cfg.Backtest.ReportOnFinish,
	})
	if err != nil {
		_ = results.Close()
		return err
	}
	a.sim = sim
	return nil
}

func (b *AppBuilder) buildHTTP(a *App) error {
	cfg := b.cfg
	if strings.TrimSpace(cfg.App.HTTPAddr) == "" || (a.engine == nil && a.sim == nil) {
		return nil
	}
	sc := livehttp.ServerConfig{Addr: cfg.App.HTTPAddr}
	if a.engine != nil {
		deps := livehttp.RouterDeps{
			Engine: a.engine,
			Risk:   a.risk,
			Recent: a.events,
			Rules:  func() []string { return a.selector.Catalog().Names() },
		}
		if a.audit != nil {
			deps.Audit = a.audit
		}
		if a.source != nil {
			deps.Feed = a.source
		}
		sc.Live = livehttp.NewRouter(deps)
	}
	if a.sim != nil {
		sc.Backtest = backtesthttp.NewRouter(a.sim, a.sim.Results(), a.candles)
	}
	if cfg.App.MetricsEnabled {
		sc.Metrics = metrics.Handler()
	}
	srv, err := livehttp.NewServer(sc)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

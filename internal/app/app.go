package app

import (
	"context"
	"errors"
	"fmt"

	"orderpilot/internal/backtest"
	"orderpilot/internal/bot"
	"orderpilot/internal/config"
	"orderpilot/internal/gateway/notifier"
	"orderpilot/internal/logger"
	"orderpilot/internal/market"
	"orderpilot/internal/risk"
	"orderpilot/internal/store/sqlite"
	"orderpilot/internal/strategy"
	livehttp "orderpilot/internal/transport/http/live"
	"orderpilot/internal/validation"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动实盘、回测与 HTTP 服务。
type App struct {
	cfg *config.Config

	engine    *bot.Engine
	risk      *risk.Manager
	source    MarketSource
	selector  *strategy.Selector
	rules     *strategy.Loader
	validator *validation.Service
	recorder  *validation.RecordingAdvisor
	events    *bot.Recorder
	audit     *sqlite.AuditStore
	alerts    *notifier.AlertSink
	sim       *backtest.Simulator
	candles   *backtest.CandleStore
	server    *livehttp.Server

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg).Build(context.Background())
}

// Run 启动所有已启用的服务，任一失败或 ctx 结束时整体退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.engine == nil && a.server == nil {
		return fmt.Errorf("nothing to run: live and backtest are both disabled")
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.sim != nil {
		a.sim.SetContext(ctx)
	}
	if a.audit != nil {
		group.Go(func() error { return a.audit.Run(ctx) })
	}
	if a.alerts != nil {
		group.Go(func() error { return a.alerts.Run(ctx) })
	}
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.engine != nil {
		group.Go(func() error {
			if err := a.engine.Run(ctx); err != nil {
				return fmt.Errorf("live engine error: %w", err)
			}
			return nil
		})
	}
	err := group.Wait()
	a.saveTape()
	return err
}

// Engine 暴露实盘引擎（测试/回放使用）；live 关闭时为 nil。
func (a *App) Engine() *bot.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) Simulator() *backtest.Simulator {
	if a == nil {
		return nil
	}
	return a.sim
}

func (a *App) saveTape() {
	if a.recorder == nil {
		return
	}
	tape := a.recorder.Tape()
	if tape.Len() == 0 {
		return
	}
	path := a.cfg.Validation.TapePath
	if err := tape.Save(path); err != nil {
		logger.Errorf("[app] save advisor tape %s: %v", path, err)
		return
	}
	logger.Infof("[app] advisor tape saved: %s (%d entries)", path, tape.Len())
}

// Close 释放行情连接与存储句柄。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.source != nil {
		errs = append(errs, a.source.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.sim != nil {
		errs = append(errs, a.sim.Results().Close())
	}
	if a.candles != nil {
		errs = append(errs, a.candles.Close())
	}
	return errors.Join(errs...)
}

// MarketSource 同时提供实时推送与历史拉取。
type MarketSource interface {
	market.Feed
	market.History
}

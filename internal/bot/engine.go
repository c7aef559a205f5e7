package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"orderpilot/internal/logger"
	"orderpilot/internal/market"
	"orderpilot/internal/metrics"
	"orderpilot/internal/risk"

	"golang.org/x/sync/errgroup"
)

// Engine 为实盘入口：每个交易对一个 Actor，共享同一个风控管理器。
type Engine struct {
	feed     market.Feed
	interval string
	risk     *risk.Manager
	actors   map[string]*Actor
	symbols  []string

	history  market.History
	warmBars int
	step     time.Duration
}

func NewEngine(feed market.Feed, interval string, rm *risk.Manager, machines []*Machine, buffer int) (*Engine, error) {
	if len(machines) == 0 {
		return nil, fmt.Errorf("engine requires at least one symbol")
	}
	e := &Engine{feed: feed, interval: interval, risk: rm, actors: make(map[string]*Actor, len(machines))}
	for _, m := range machines {
		if _, dup := e.actors[m.Symbol()]; dup {
			return nil, fmt.Errorf("duplicate symbol %s", m.Symbol())
		}
		e.actors[m.Symbol()] = NewActor(m, buffer)
		e.symbols = append(e.symbols, m.Symbol())
	}
	sort.Strings(e.symbols)
	return e, nil
}

// Run 启动所有 Actor 与行情订阅，任一失败或 ctx 结束时整体退出。
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range e.symbols {
		a := e.actors[sym]
		g.Go(func() error { return a.Run(gctx) })
	}
	if e.feed != nil {
		g.Go(func() error {
			e.warmup(gctx)
			return e.pump(gctx)
		})
	}
	return g.Wait()
}

// WithWarmup 订阅前用历史 K 线预填窗口。bars 应小于特征窗口 W，
// 这样预热期间状态机始终处于 warming，不会基于历史数据下单。
func (e *Engine) WithWarmup(h market.History, bars int, step time.Duration) *Engine {
	e.history = h
	e.warmBars = bars
	e.step = step
	return e
}

func (e *Engine) warmup(ctx context.Context) {
	if e.history == nil || e.warmBars <= 0 || e.step <= 0 {
		return
	}
	end := time.Now().UnixMilli()
	start := end - int64(e.warmBars+1)*e.step.Milliseconds()
	for _, sym := range e.symbols {
		bars, err := e.history.FetchRange(ctx, sym, e.interval, start, end, e.warmBars+1)
		if err != nil {
			logger.Warnf("[engine] %s warmup via %s failed: %v", sym, e.history.Name(), err)
			continue
		}
		if len(bars) > e.warmBars {
			bars = bars[len(bars)-e.warmBars:]
		}
		a := e.actors[sym]
		for _, c := range bars {
			if err := a.CandleSync(ctx, market.RawFromCandle(sym, c)); err != nil {
				logger.Warnf("[engine] %s warmup candle: %v", sym, err)
				break
			}
		}
		logger.Infof("[engine] %s warmed with %d candles", sym, len(bars))
	}
}

func (e *Engine) pump(ctx context.Context) error {
	events, err := e.feed.Subscribe(ctx, e.symbols, e.interval, market.SubscribeOptions{
		OnConnect:    func() { logger.Infof("[engine] feed connected (%d symbols)", len(e.symbols)) },
		OnDisconnect: func(err error) { logger.Warnf("[engine] feed disconnected: %v", err) },
	})
	if err != nil {
		return fmt.Errorf("subscribe feed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Final {
				continue
			}
			a, ok := e.actors[strings.ToUpper(ev.Symbol)]
			if !ok {
				continue
			}
			if err := a.Candle(ctx, ev.Raw()); err != nil {
				logger.Warnf("[engine] %s deliver candle: %v", ev.Symbol, err)
			}
		}
	}
}

func (e *Engine) Symbols() []string { return append([]string(nil), e.symbols...) }

func (e *Engine) Actor(symbol string) (*Actor, bool) {
	a, ok := e.actors[strings.ToUpper(symbol)]
	return a, ok
}

// Snapshots 按 symbol 排序返回。
func (e *Engine) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(e.symbols))
	for _, sym := range e.symbols {
		out = append(out, e.actors[sym].Snapshot())
	}
	return out
}

// ResetRisk 人工复位：先清 kill switch，再让每个交易对离开 HALTED。
func (e *Engine) ResetRisk(ctx context.Context) error {
	e.risk.Reset()
	metrics.SetKillSwitch(false)
	ts := time.Now().UnixMilli()
	for _, sym := range e.symbols {
		if err := e.actors[sym].Reset(ctx, ts); err != nil {
			return fmt.Errorf("reset %s: %w", sym, err)
		}
	}
	return nil
}

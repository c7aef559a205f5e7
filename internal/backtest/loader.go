package backtest

import (
	"context"
	"fmt"
	"strings"

	"orderpilot/internal/logger"
	"orderpilot/internal/market"

	"golang.org/x/time/rate"
)

// LoaderConfig 配置历史数据补齐。
type LoaderConfig struct {
	RateLimitPerMin int
	MaxBatch        int
}

// Loader 先查本地 CandleStore，缺口部分在限速下向远端补齐。
type Loader struct {
	store    *CandleStore
	source   market.History
	limiter  *rate.Limiter
	maxBatch int
}

func NewLoader(store *CandleStore, source market.History, cfg LoaderConfig) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("candle store is required")
	}
	perSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		perSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 || maxBatch > 1500 {
		maxBatch = 1000
	}
	return &Loader{store: store, source: source, limiter: rate.NewLimiter(perSec, 1), maxBatch: maxBatch}, nil
}

func (l *Loader) Store() *CandleStore { return l.store }

// Ensure 保证 [start,end] 的数据完整后返回有序 K 线；没有远端数据源时只读本地。
func (l *Loader) Ensure(ctx context.Context, symbol string, tf Timeframe, start, end int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(symbol)
	start, end = tf.AlignRange(start, end)
	report, err := l.store.CheckIntegrity(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	if !report.Complete() && l.source != nil {
		logger.Infof("[backtest] %s %s 缺口=%d 预计=%d 已有=%d，开始补齐", symbol, tf.Key, len(report.Gaps), report.Expected, report.Present)
		for _, gap := range report.Gaps {
			if err := l.fill(ctx, symbol, tf, gap); err != nil {
				return nil, fmt.Errorf("backfill %s %s: %w", symbol, tf.Key, err)
			}
		}
	}
	return l.store.RangeCandles(ctx, symbol, tf.Key, start, end)
}

func (l *Loader) fill(ctx context.Context, symbol string, tf Timeframe, gap Gap) error {
	step := tf.durationMillis()
	cursor := gap.From
	for cursor <= gap.To {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		remaining := int((gap.To-cursor)/step) + 1
		if remaining > l.maxBatch {
			remaining = l.maxBatch
		}
		end := cursor + int64(remaining-1)*step
		batch, err := l.source.FetchRange(ctx, symbol, tf.SourceInterval, cursor, end, remaining)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			// 远端没有更多数据（上市前或未来区间）
			logger.Warnf("[backtest] %s %s [%d,%d] 无数据", symbol, tf.Key, cursor, end)
			return nil
		}
		if _, err := l.store.InsertCandles(ctx, symbol, tf.Key, batch); err != nil {
			return err
		}
		last := batch[len(batch)-1].OpenTime
		if last < cursor {
			return nil
		}
		cursor = last + step
	}
	return nil
}

package market

import "context"

type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
	Final    bool
}

func (e CandleEvent) Raw() RawBar {
	return RawFromCandle(e.Symbol, e.Candle)
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Feed 是实时 K 线推送的最小接口；只有收盘 K 线（Final）会进入决策管线。
type Feed interface {
	Subscribe(ctx context.Context, symbols []string, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)
	Stats() SourceStats
	Close() error
}

// History 拉取历史 K 线，用于预热窗口和回测补数。
type History interface {
	FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error)
	Name() string
}

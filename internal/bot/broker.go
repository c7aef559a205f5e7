package bot

import (
	"context"
	"fmt"
	"sync"

	"orderpilot/internal/market"
)

// Intent 区分开仓与平仓单。
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

// OrderRequest 是发给 Broker 的市价单请求；Price 为参考价（收盘价或止损价）。
type OrderRequest struct {
	ClientID string      `json:"client_id"`
	Symbol   string      `json:"symbol"`
	Side     market.Side `json:"side"`
	Intent   Intent      `json:"intent"`
	Qty      float64     `json:"qty"`
	Price    float64     `json:"price"`
	Reason   string      `json:"reason"`
	CandleTs int64       `json:"candle_ts"`
}

type FillEvent struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Intent  Intent  `json:"intent"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	Fee     float64 `json:"fee"`
	Ts      int64   `json:"ts"`
}

type RejectEvent struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Intent  Intent `json:"intent"`
	Reason  string `json:"reason"`
	Ts      int64  `json:"ts"`
}

// Broker 为下单协作方；成交/拒单通过 Machine.OnFill / OnReject 回传。
type Broker interface {
	Submit(ctx context.Context, req OrderRequest) (string, error)
	Cancel(ctx context.Context, orderID string) error
}

// Settler 由能够同步结算的 Broker 实现（纸面撮合、回测）。
type Settler interface {
	Settle(symbol string) []FillEvent
}

// PaperBroker 在参考价上按滑点成交市价单，实盘纸面模式与回测共用。
type PaperBroker struct {
	SlippageBps float64
	FeeBps      float64

	mu      sync.Mutex
	seq     int64
	pending map[string][]paperOrder
}

type paperOrder struct {
	id  string
	req OrderRequest
}

func NewPaperBroker(slippageBps, feeBps float64) *PaperBroker {
	return &PaperBroker{SlippageBps: slippageBps, FeeBps: feeBps, pending: make(map[string][]paperOrder)}
}

func (b *PaperBroker) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Qty <= 0 || req.Price <= 0 {
		return "", fmt.Errorf("%w: qty and price must be > 0", ErrOrderRejected)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("paper-%s-%d", req.Symbol, b.seq)
	b.pending[req.Symbol] = append(b.pending[req.Symbol], paperOrder{id: id, req: req})
	return id, nil
}

func (b *PaperBroker) Cancel(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sym, orders := range b.pending {
		for i, o := range orders {
			if o.id == orderID {
				b.pending[sym] = append(orders[:i], orders[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
}

// Settle 成交该交易对全部挂单；买入价上浮、卖出价下浮滑点。
func (b *PaperBroker) Settle(symbol string) []FillEvent {
	b.mu.Lock()
	orders := b.pending[symbol]
	delete(b.pending, symbol)
	b.mu.Unlock()
	fills := make([]FillEvent, 0, len(orders))
	for _, o := range orders {
		buy := (o.req.Intent == IntentEntry) == (o.req.Side == market.SideLong)
		slip := o.req.Price * b.SlippageBps / 10_000
		price := o.req.Price - slip
		if buy {
			price = o.req.Price + slip
		}
		fills = append(fills, FillEvent{
			OrderID: o.id,
			Symbol:  o.req.Symbol,
			Intent:  o.req.Intent,
			Price:   price,
			Qty:     o.req.Qty,
			Fee:     price * o.req.Qty * b.FeeBps / 10_000,
			Ts:      o.req.CandleTs,
		})
	}
	return fills
}

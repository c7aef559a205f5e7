package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"orderpilot/internal/logger"
	"orderpilot/internal/market"
)

type msgKind int

const (
	msgCandle msgKind = iota
	msgFill
	msgReject
	msgReset
)

type envelope struct {
	kind   msgKind
	raw    market.RawBar
	fill   FillEvent
	reject RejectEvent
	ts     int64
	reply  chan error
}

// Actor 用单个 goroutine 串行驱动一个 Machine：同一交易对的决策永不重叠。
type Actor struct {
	m       *Machine
	settler Settler
	inbox   chan envelope
	done    chan struct{}

	snapshot atomic.Value
	steps    atomic.Int64
}

func NewActor(m *Machine, buffer int) *Actor {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Actor{m: m, inbox: make(chan envelope, buffer), done: make(chan struct{})}
	if s, ok := m.deps.Broker.(Settler); ok {
		a.settler = s
	}
	a.snapshot.Store(m.Snapshot())
	return a
}

func (a *Actor) Symbol() string { return a.m.Symbol() }

// Run 处理邮箱直到 ctx 结束；ctx 同时用于取消进行中的验证调用。
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	logger.Infof("[bot] %s actor started", a.m.Symbol())
	for {
		select {
		case env := <-a.inbox:
			a.handle(ctx, env)
		case <-ctx.Done():
			logger.Infof("[bot] %s actor stopping", a.m.Symbol())
			return nil
		}
	}
}

func (a *Actor) handle(ctx context.Context, env envelope) {
	var err error
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[bot] %s panic: %v\n%s", a.m.Symbol(), r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		a.snapshot.Store(a.m.Snapshot())
		if env.reply != nil {
			env.reply <- err
			close(env.reply)
		}
		if dur := time.Since(start); dur > 2*time.Second {
			logger.Warnf("[bot] %s slow step took %v", a.m.Symbol(), dur)
		}
	}()
	switch env.kind {
	case msgCandle:
		_, err = a.m.OnCandle(ctx, env.raw)
		var gap *DataGapError
		if errors.As(err, &gap) {
			logger.Warnf("[bot] %v", gap)
		}
		a.steps.Add(1)
		a.settle()
	case msgFill:
		err = a.m.OnFill(env.fill)
	case msgReject:
		err = a.m.OnReject(env.reject)
	case msgReset:
		err = a.m.Reset(env.ts)
	}
}

// settle 纸面 Broker 在同一根 K 线收盘时同步成交。
func (a *Actor) settle() {
	if a.settler == nil {
		return
	}
	for _, fill := range a.settler.Settle(a.m.Symbol()) {
		if err := a.m.OnFill(fill); err != nil {
			logger.Warnf("[bot] %s fill %s: %v", a.m.Symbol(), fill.OrderID, err)
		}
	}
}

func (a *Actor) send(ctx context.Context, env envelope) error {
	select {
	case a.inbox <- env:
		return nil
	case <-a.done:
		return fmt.Errorf("actor %s stopped", a.m.Symbol())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) sendSync(ctx context.Context, env envelope) error {
	env.reply = make(chan error, 1)
	if err := a.send(ctx, env); err != nil {
		return err
	}
	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return fmt.Errorf("actor %s stopped during sync call", a.m.Symbol())
	}
}

// Candle 投递一根收盘 K 线（异步）。
func (a *Actor) Candle(ctx context.Context, raw market.RawBar) error {
	return a.send(ctx, envelope{kind: msgCandle, raw: raw})
}

// CandleSync 投递并等待处理完成。
func (a *Actor) CandleSync(ctx context.Context, raw market.RawBar) error {
	return a.sendSync(ctx, envelope{kind: msgCandle, raw: raw})
}

func (a *Actor) Fill(ctx context.Context, fill FillEvent) error {
	return a.sendSync(ctx, envelope{kind: msgFill, fill: fill})
}

func (a *Actor) Reject(ctx context.Context, ev RejectEvent) error {
	return a.sendSync(ctx, envelope{kind: msgReject, reject: ev})
}

func (a *Actor) Reset(ctx context.Context, ts int64) error {
	return a.sendSync(ctx, envelope{kind: msgReset, ts: ts})
}

// Snapshot 无锁读取最近一次处理后的状态。
func (a *Actor) Snapshot() Snapshot {
	return a.snapshot.Load().(Snapshot)
}

func (a *Actor) Steps() int64 { return a.steps.Load() }

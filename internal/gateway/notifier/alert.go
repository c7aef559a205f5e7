package notifier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"orderpilot/internal/bot"
	"orderpilot/internal/logger"
)

// AlertSink 只转发需要人工关注的事件（熔断、平仓、数据缺口），推送在独立 goroutine 里完成。
type AlertSink struct {
	out     TextNotifier
	queue   chan bot.Event
	dropped atomic.Int64
	gaps    bool
}

func NewAlertSink(out TextNotifier, buffer int, notifyGaps bool) *AlertSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &AlertSink{out: out, queue: make(chan bot.Event, buffer), gaps: notifyGaps}
}

func (a *AlertSink) Emit(e bot.Event) {
	if !a.wants(e.Kind) {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

func (a *AlertSink) Dropped() int64 { return a.dropped.Load() }

func (a *AlertSink) wants(k bot.EventKind) bool {
	switch k {
	case bot.EventHalted, bot.EventTradeClosed:
		return true
	case bot.EventDataGap:
		return a.gaps
	}
	return false
}

func (a *AlertSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-a.queue:
			if err := a.out.SendText(ctx, FormatEvent(e).Markdown()); err != nil {
				logger.Warnf("[notify] %s %s: %v", e.Symbol, e.Kind, err)
			}
		}
	}
}

// FormatEvent 把事件渲染为推送消息。
func FormatEvent(e bot.Event) Alert {
	alert := Alert{Symbol: e.Symbol, At: time.UnixMilli(e.Timestamp)}
	switch e.Kind {
	case bot.EventHalted:
		alert.Severity = SeverityCritical
		alert.Headline = "halted, kill switch set"
		alert.Fields = []Field{{"reason", fmt.Sprint(e.Payload)}, {"state", string(e.State)}}
	case bot.EventTradeClosed:
		alert.Headline = "trade closed"
		if t, ok := e.Payload.(bot.TradeRecord); ok {
			if t.PnL < 0 {
				alert.Icon = "❌"
			}
			alert.Fields = []Field{
				{"side", string(t.Side)},
				{"rule_set", t.RuleSet},
				{"qty", fmt.Sprintf("%.6g", t.Qty)},
				{"entry", fmt.Sprintf("%.4f", t.EntryPrice)},
				{"exit", fmt.Sprintf("%.4f", t.ExitPrice)},
				{"reason", t.ExitReason},
				{"pnl", fmt.Sprintf("%.2f (%.2f%%)", t.PnL, t.PnLPct)},
				{"fees", fmt.Sprintf("%.2f", t.Fees)},
				{"bars", fmt.Sprintf("%d", t.BarsHeld)},
			}
		}
	default:
		alert.Severity = SeverityWarn
		alert.Headline = string(e.Kind)
		alert.Fields = []Field{{"state", string(e.State)}, {"detail", fmt.Sprint(e.Payload)}}
	}
	return alert
}

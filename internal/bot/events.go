package bot

import (
	"sync"

	"orderpilot/internal/logger"
	"orderpilot/internal/metrics"
	"orderpilot/internal/regime"
)

// EventKind 为审计/展示事件类型。
type EventKind string

const (
	EventRegimeChange EventKind = "regime_change"
	EventSignal       EventKind = "signal"
	EventValidation   EventKind = "validation"
	EventOrder        EventKind = "order_submitted"
	EventOrderReject  EventKind = "order_rejected"
	EventFill         EventKind = "fill"
	EventStopUpdate   EventKind = "stop_update"
	EventTransition   EventKind = "transition"
	EventTradeClosed  EventKind = "trade_closed"
	EventDataGap      EventKind = "data_gap"
	EventHalted       EventKind = "halted"
)

// Event 的时间戳总是 K 线时间，保证回放一致。
type Event struct {
	Kind      EventKind `json:"kind"`
	Symbol    string    `json:"symbol"`
	Timestamp int64     `json:"timestamp"`
	State     State     `json:"state"`
	Payload   any       `json:"payload,omitempty"`
}

// EventSink 接收状态机事件；实现不得阻塞管线。
type EventSink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink 顺序分发给多个 sink。
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// TransitionPayload 记录一次状态迁移。
type TransitionPayload struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type RegimePayload struct {
	From  regime.Regime `json:"from"`
	To    regime.Regime `json:"to"`
	Score float64       `json:"score"`
}

// LogSink 把事件写入结构化日志。
type LogSink struct{}

func (LogSink) Emit(e Event) {
	l := logger.Symbol(e.Symbol)
	switch e.Kind {
	case EventTransition, EventRegimeChange, EventTradeClosed, EventHalted, EventDataGap:
		l.Info(string(e.Kind), "ts", e.Timestamp, "state", e.State, "payload", e.Payload)
	default:
		l.Debug(string(e.Kind), "ts", e.Timestamp, "state", e.State, "payload", e.Payload)
	}
}

// MetricsSink 把事件计入 prometheus。
type MetricsSink struct{}

func (MetricsSink) Emit(e Event) {
	switch e.Kind {
	case EventTransition:
		if p, ok := e.Payload.(TransitionPayload); ok {
			metrics.Transitions.WithLabelValues(e.Symbol, string(p.From), string(p.To)).Inc()
		}
	case EventRegimeChange:
		if p, ok := e.Payload.(RegimePayload); ok {
			metrics.RegimeChanges.WithLabelValues(e.Symbol, string(p.To)).Inc()
		}
	case EventOrder:
		if p, ok := e.Payload.(OrderRequest); ok {
			metrics.Orders.WithLabelValues(e.Symbol, string(p.Intent), "submitted").Inc()
		}
	case EventOrderReject:
		if p, ok := e.Payload.(RejectEvent); ok {
			metrics.Orders.WithLabelValues(e.Symbol, string(p.Intent), "rejected").Inc()
		}
	case EventFill:
		if p, ok := e.Payload.(FillEvent); ok {
			metrics.Orders.WithLabelValues(e.Symbol, string(p.Intent), "filled").Inc()
		}
	}
}

// Recorder 在内存中保留最近 N 条事件，供 HTTP 查询与测试使用。
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 1000
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append([]Event(nil), r.events[over:]...)
	}
}

// Events 返回副本；kind 为空时返回全部。
func (r *Recorder) Events(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

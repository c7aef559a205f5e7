package validation

import (
	"context"
)

// Answer 为顾问单层的回答；LatencyMs 由顾问自行报告。
type Answer struct {
	Action     Action  `json:"action,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	LatencyMs  int64   `json:"latency_ms"`
}

// Advisor 是外部顾问的抽象；实现必须尊重 ctx 的取消与超时。
type Advisor interface {
	Mode() string
	Quick(ctx context.Context, req Request) (Answer, error)
	Deep(ctx context.Context, req Request) (Answer, error)
}

const (
	ModeStub   = "stub"
	ModeReplay = "replay"
	ModeLive   = "live"
)

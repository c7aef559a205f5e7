package validation

import (
	"context"
)

// StubAdvisor 返回脚本化的确定性回答，用于回测与测试。
type StubAdvisor struct {
	QuickFn func(Request) Answer
	DeepFn  func(Request) Answer
	// Err 非空时两层都返回该错误。
	Err error
}

// NewFixedStub 对所有请求返回固定置信度与延迟。
func NewFixedStub(quick, deep float64, latencyMs int64) *StubAdvisor {
	return &StubAdvisor{
		QuickFn: func(Request) Answer { return Answer{Confidence: quick, LatencyMs: latencyMs} },
		DeepFn:  func(Request) Answer { return Answer{Confidence: deep, LatencyMs: latencyMs} },
	}
}

// NewEchoStub 把技术面置信度原样作为 quick 回答，deep 同样。
func NewEchoStub(latencyMs int64) *StubAdvisor {
	echo := func(r Request) Answer {
		return Answer{Confidence: r.Signal.Confidence, LatencyMs: latencyMs, Reasoning: "echo"}
	}
	return &StubAdvisor{QuickFn: echo, DeepFn: echo}
}

func (s *StubAdvisor) Mode() string { return ModeStub }

func (s *StubAdvisor) Quick(ctx context.Context, req Request) (Answer, error) {
	return s.answer(ctx, req, s.QuickFn)
}

func (s *StubAdvisor) Deep(ctx context.Context, req Request) (Answer, error) {
	return s.answer(ctx, req, s.DeepFn)
}

func (s *StubAdvisor) answer(ctx context.Context, req Request, fn func(Request) Answer) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	if s.Err != nil {
		return Answer{}, s.Err
	}
	if fn == nil {
		return Answer{Confidence: req.Signal.Confidence}, nil
	}
	return fn(req), nil
}

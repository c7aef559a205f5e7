package validation

import (
	"errors"
	"fmt"
)

// Action 为顾问闸门的结论。
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionBoost   Action = "BOOST"
	ActionCaution Action = "CAUTION"
	ActionVeto    Action = "VETO"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(raw); a {
	case ActionApprove, ActionBoost, ActionCaution, ActionVeto:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action: %q", raw)
	}
}

// Allows 只有 VETO 会阻止开仓。
func (a Action) Allows() bool {
	switch a {
	case ActionApprove, ActionBoost, ActionCaution:
		return true
	default:
		return false
	}
}

type Tier string

const (
	TierQuick Tier = "QUICK"
	TierDeep  Tier = "DEEP"
)

// Result 每个被评估的信号对应一个，创建后不再修改。
type Result struct {
	Action          Action  `json:"action"`
	Tier            Tier    `json:"tier"`
	Confidence      float64 `json:"confidence"`
	QuickConfidence float64 `json:"quick_confidence"`
	DeepConfidence  float64 `json:"deep_confidence,omitempty"`
	PromptHash      string  `json:"prompt_hash,omitempty"`
	LatencyMs       int64   `json:"latency_ms"`
	DeepTriggered   bool    `json:"deep_triggered"`
	Disabled        bool    `json:"disabled,omitempty"`
	Fallback        bool    `json:"fallback,omitempty"`
	Reasoning       string  `json:"reasoning,omitempty"`
	Err             error   `json:"-"`
}

// ErrorText 供日志与审计记录使用。
func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

var (
	ErrTimeout = errors.New("advisor timeout")
	ErrSchema  = errors.New("advisor response schema invalid")
	ErrAdvisor = errors.New("advisor failed")
)

type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindSchema  ErrorKind = "schema"
	KindAdvisor ErrorKind = "advisor"
)

// ValidationError 记录失败发生的层级与类别。
type ValidationError struct {
	Kind ErrorKind
	Tier Tier
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation %s: %v", e.Tier, e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrTimeout) 等按类别匹配。
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrSchema:
		return e.Kind == KindSchema
	case ErrAdvisor:
		return e.Kind == KindAdvisor
	}
	return false
}

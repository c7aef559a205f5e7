package validation

import (
	"context"
	"errors"
	"time"

	"orderpilot/internal/logger"
	"orderpilot/internal/metrics"
)

// Config 阈值均为 0-100 的置信度。
type Config struct {
	Enabled               bool
	Timeout               time.Duration
	DeepTimeout           time.Duration
	QuickApproveThreshold float64
	QuickDeepThreshold    float64
	DeepApproveThreshold  float64
	DeepVetoThreshold     float64
	BoostThreshold        float64
	FallbackToTechnical   bool
}

func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Timeout:               5 * time.Second,
		DeepTimeout:           15 * time.Second,
		QuickApproveThreshold: 65,
		QuickDeepThreshold:    40,
		DeepApproveThreshold:  70,
		DeepVetoThreshold:     30,
		BoostThreshold:        85,
		FallbackToTechnical:   false,
	}
}

// Service 是 quick→deep 分层闸门，只给出建议，不下单。
type Service struct {
	cfg     Config
	advisor Advisor
}

func NewService(cfg Config, advisor Advisor) *Service {
	return &Service{cfg: cfg, advisor: advisor}
}

func (s *Service) Config() Config { return s.cfg }

// Mode 返回顾问模式（stub/replay/live）；禁用时为 disabled。
func (s *Service) Mode() string {
	if !s.cfg.Enabled || s.advisor == nil {
		return "disabled"
	}
	return s.advisor.Mode()
}

// Validate 总是返回 Result；失败时按配置走技术面回退或 VETO，绝不放行错误结果。
func (s *Service) Validate(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[validation] %s panic: %v", req.Signal.Symbol, r)
			res = s.fail(req, &ValidationError{Kind: KindAdvisor, Tier: TierQuick, Err: errors.New("advisor panic")}, 0)
		}
		s.observe(res)
	}()
	if !s.cfg.Enabled || s.advisor == nil {
		return Result{Action: ActionApprove, Tier: TierQuick, Disabled: true, Confidence: req.Signal.Confidence}
	}
	if req.PromptHash == "" {
		req = BuildRequest(req.Signal, req.Vector, req.Regime, req.Levels)
	}

	quick, err := s.call(ctx, TierQuick, s.cfg.Timeout, req)
	if err != nil {
		return s.fail(req, err, 0)
	}
	c := quick.Confidence
	// 路由只看置信度；顾问显式给出的 VETO 一律生效，其它动作不能放宽结论
	if vetoed(req, TierQuick, quick) {
		return Result{
			Action:          ActionVeto,
			Tier:            TierQuick,
			Confidence:      c,
			QuickConfidence: c,
			PromptHash:      req.PromptHash,
			LatencyMs:       quick.LatencyMs,
			Reasoning:       quick.Reasoning,
		}
	}
	switch {
	case c >= s.cfg.QuickApproveThreshold:
		action := ActionApprove
		if c >= s.cfg.BoostThreshold {
			action = ActionBoost
		}
		return Result{
			Action:          action,
			Tier:            TierQuick,
			Confidence:      c,
			QuickConfidence: c,
			PromptHash:      req.PromptHash,
			LatencyMs:       quick.LatencyMs,
			Reasoning:       quick.Reasoning,
		}
	case c >= s.cfg.QuickDeepThreshold:
		deep, err := s.call(ctx, TierDeep, s.cfg.DeepTimeout, req)
		if err != nil {
			return s.fail(req, err, quick.LatencyMs)
		}
		d := deep.Confidence
		action := ActionVeto
		switch {
		case d >= s.cfg.DeepApproveThreshold:
			action = ActionApprove
		case d >= s.cfg.DeepVetoThreshold:
			action = ActionCaution
		}
		if vetoed(req, TierDeep, deep) {
			action = ActionVeto
		}
		return Result{
			Action:          action,
			Tier:            TierDeep,
			Confidence:      d,
			QuickConfidence: c,
			DeepConfidence:  d,
			PromptHash:      req.PromptHash,
			LatencyMs:       quick.LatencyMs + deep.LatencyMs,
			DeepTriggered:   true,
			Reasoning:       deep.Reasoning,
		}
	default:
		return Result{
			Action:          ActionVeto,
			Tier:            TierQuick,
			Confidence:      c,
			QuickConfidence: c,
			PromptHash:      req.PromptHash,
			LatencyMs:       quick.LatencyMs,
			Reasoning:       quick.Reasoning,
		}
	}
}

func vetoed(req Request, tier Tier, ans Answer) bool {
	if ans.Action == "" {
		return false
	}
	if ans.Action == ActionVeto {
		logger.Warnf("[validation] %s %s advisor vetoed explicitly (confidence %.0f)", req.Signal.Symbol, tier, ans.Confidence)
		return true
	}
	logger.Debugf("[validation] %s %s advisor action %s ignored, routed by confidence %.0f", req.Signal.Symbol, tier, ans.Action, ans.Confidence)
	return false
}

func (s *Service) call(ctx context.Context, tier Tier, timeout time.Duration, req Request) (Answer, error) {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var (
		ans Answer
		err error
	)
	if tier == TierDeep {
		ans, err = s.advisor.Deep(cctx, req)
	} else {
		ans, err = s.advisor.Quick(cctx, req)
	}
	if err == nil && cctx.Err() != nil {
		err = cctx.Err()
	}
	if err != nil {
		return Answer{}, classify(tier, err)
	}
	return ans, nil
}

func classify(tier Tier, err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &ValidationError{Kind: KindTimeout, Tier: tier, Err: err}
	case errors.Is(err, ErrSchema):
		return &ValidationError{Kind: KindSchema, Tier: tier, Err: err}
	default:
		return &ValidationError{Kind: KindAdvisor, Tier: tier, Err: err}
	}
}

// fail 回退：技术面路由（无 deep 可用时中间区间给 CAUTION）或带错误的 VETO。
func (s *Service) fail(req Request, err error, latency int64) Result {
	ve := classify(TierQuick, err)
	metrics.ValidationErrors.WithLabelValues(string(ve.Kind)).Inc()
	logger.Warnf("[validation] %s %s failed: %v", req.Signal.Symbol, ve.Tier, ve)
	if !s.cfg.FallbackToTechnical {
		return Result{
			Action:        ActionVeto,
			Tier:          ve.Tier,
			PromptHash:    req.PromptHash,
			LatencyMs:     latency,
			DeepTriggered: ve.Tier == TierDeep,
			Err:           ve,
		}
	}
	c := req.Signal.Confidence
	action := ActionVeto
	switch {
	case c >= s.cfg.BoostThreshold:
		action = ActionBoost
	case c >= s.cfg.QuickApproveThreshold:
		action = ActionApprove
	case c >= s.cfg.QuickDeepThreshold:
		action = ActionCaution
	}
	return Result{
		Action:          action,
		Tier:            TierQuick,
		Confidence:      c,
		QuickConfidence: c,
		PromptHash:      req.PromptHash,
		LatencyMs:       latency,
		DeepTriggered:   ve.Tier == TierDeep,
		Fallback:        true,
		Reasoning:       "technical fallback: " + ve.Error(),
	}
}

func (s *Service) observe(res Result) {
	metrics.ObserveValidation(string(res.Action), string(res.Tier), res.LatencyMs)
}

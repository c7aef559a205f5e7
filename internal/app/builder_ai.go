package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"orderpilot/internal/config"
	"orderpilot/internal/gateway/provider"
	"orderpilot/internal/logger"
	"orderpilot/internal/pkg/circuit"
	"orderpilot/internal/validation"
)

// buildAdvisor 按 validation.mode 构建顾问：stub / replay / live。
func buildAdvisor(cfg config.ValidationConfig, models map[string]provider.ModelCfg) (validation.Advisor, error) {
	switch cfg.Mode {
	case validation.ModeReplay:
		tape, err := validation.LoadTape(cfg.TapePath)
		if err != nil {
			return nil, fmt.Errorf("加载顾问回放文件失败: %w", err)
		}
		logger.Infof("✓ 顾问回放: %s (%d 条)", cfg.TapePath, tape.Len())
		return validation.NewReplayAdvisor(tape), nil
	case validation.ModeLive:
		if !cfg.Enabled || len(models) == 0 {
			logger.Warnf("validation.mode=live 但未启用模型，退回 stub")
			return validation.NewEchoStub(0), nil
		}
		return buildLLMAdvisor(cfg, models)
	default:
		return validation.NewEchoStub(0), nil
	}
}

// backtestAdvisor 按 backtest.advisor_mode 选择回测顾问；live 必须显式开启且 validation.mode 也为 live。
func backtestAdvisor(mode string, cfg config.ValidationConfig, app validation.Advisor) (validation.Advisor, error) {
	switch mode {
	case validation.ModeLive:
		if app == nil || app.Mode() != validation.ModeLive {
			return nil, fmt.Errorf("backtest.advisor_mode=live requires validation.mode=live with enabled models")
		}
		logger.Warnf("回测使用 live 顾问，结果指纹不可复现")
		return app, nil
	case validation.ModeReplay:
		if app != nil && app.Mode() == validation.ModeReplay {
			return app, nil
		}
		tape, err := validation.LoadTape(cfg.TapePath)
		if err != nil {
			return nil, fmt.Errorf("加载回测顾问回放文件失败: %w", err)
		}
		return validation.NewReplayAdvisor(tape), nil
	default:
		if app != nil && app.Mode() == validation.ModeStub {
			return app, nil
		}
		return validation.NewEchoStub(0), nil
	}
}

func buildLLMAdvisor(cfg config.ValidationConfig, models map[string]provider.ModelCfg) (validation.Advisor, error) {
	quickID := strings.TrimSpace(cfg.QuickModel)
	if quickID == "" {
		ids := make([]string, 0, len(models))
		for id := range models {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		quickID = ids[0]
	}
	quickCfg, ok := models[quickID]
	if !ok {
		return nil, fmt.Errorf("quick model %q not enabled", quickID)
	}
	quick := provider.NewOpenAIModelProvider(quickCfg)

	var deep provider.ModelProvider
	if id := strings.TrimSpace(cfg.DeepModel); id != "" && id != quickID {
		deepCfg, ok := models[id]
		if !ok {
			return nil, fmt.Errorf("deep model %q not enabled", id)
		}
		deep = provider.NewOpenAIModelProvider(deepCfg)
	}

	breaker := circuit.New("advisor", cfg.BreakerFailures, time.Duration(cfg.BreakerCooldownSecs)*time.Second)
	breaker.OnStateChange(func(name string, from, to circuit.State) {
		logger.Warnf("[advisor] breaker %s: %s -> %s", name, from, to)
	})
	deepID := quickID
	if deep != nil {
		deepID = cfg.DeepModel
	}
	logger.Infof("✓ 顾问模型: quick=%s deep=%s", quickID, deepID)
	return validation.NewLLMAdvisor(quick, deep, breaker), nil
}

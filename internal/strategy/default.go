package strategy

import (
	"sync"

	"orderpilot/internal/market"
)

const ConservativeName = "conservative"

var (
	conservativeOnce sync.Once
	conservativeSet  *RuleSet
)

// Conservative 返回内置保守规则集：不开仓，仅在 2% 不利波动时离场，止损不放宽。
func Conservative() *RuleSet {
	conservativeOnce.Do(func() {
		off := false
		rs, err := CompileRuleSet(ConservativeName, RuleSetSpec{
			Side:    string(market.SideLong),
			StopPct: 0.02,
			Workflow: WorkflowSpec{
				Entry: &SlotSpec{Language: LanguageDSL, Expression: "false", Enabled: &off},
				Exit:  &SlotSpec{Language: LanguageDSL, Expression: "position.open && position.pnl_pct <= -2"},
			},
		})
		if err != nil {
			panic("conservative rule set: " + err.Error())
		}
		conservativeSet = rs
	})
	return conservativeSet
}

package regime

import "orderpilot/internal/features"

// Classification 为当前采用的状态及迟滞计数。
type Classification struct {
	Regime    Regime  `json:"regime"`
	Score     float64 `json:"score"`
	EnteredAt int64   `json:"entered_at"`
	Previous  Regime  `json:"previous,omitempty"`
	Candidate Regime  `json:"candidate,omitempty"`
	Streak    int     `json:"streak"`
	Changed   bool    `json:"changed"`
}

// Engine 在打分结果上加迟滞：新状态需连续 K 次胜出才被采用。
type Engine struct {
	th      Thresholds
	confirm int
	state   Classification
}

func NewEngine(th Thresholds, confirm int) *Engine {
	if confirm <= 0 {
		confirm = 1
	}
	return &Engine{
		th:      th,
		confirm: confirm,
		state:   Classification{Regime: NoTrade},
	}
}

func (e *Engine) Current() Classification {
	out := e.state
	out.Changed = false
	return out
}

// Update 处理一次评估。窗口预热中直接回到 no-trade，不等待迟滞确认。
func (e *Engine) Update(v features.Vector, ts int64) Classification {
	best, score := Classify(v, e.th)
	st := &e.state
	st.Changed = false
	if v.Warming {
		st.Candidate = ""
		st.Streak = 0
		if st.Regime != NoTrade {
			e.adopt(NoTrade, 0, ts)
		}
		return e.state
	}
	if best == st.Regime {
		st.Score = score
		st.Candidate = ""
		st.Streak = 0
		return e.state
	}
	if best == st.Candidate {
		st.Streak++
	} else {
		st.Candidate = best
		st.Streak = 1
	}
	if st.Streak >= e.confirm {
		e.adopt(best, score, ts)
	}
	return e.state
}

func (e *Engine) adopt(r Regime, score float64, ts int64) {
	e.state = Classification{
		Regime:    r,
		Score:     score,
		EnteredAt: ts,
		Previous:  e.state.Regime,
		Changed:   true,
	}
}

// Reset 回到初始 no-trade（数据缺口后重新预热）。
func (e *Engine) Reset(ts int64) {
	prev := e.state.Regime
	e.state = Classification{Regime: NoTrade, EnteredAt: ts, Previous: prev}
}

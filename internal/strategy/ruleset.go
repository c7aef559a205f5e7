package strategy

import (
	"fmt"
	"sort"
	"strings"

	"orderpilot/internal/market"
	"orderpilot/internal/regime"
)

// SlotSpec 是文件中的单个工作流槽位。
type SlotSpec struct {
	Language   string `yaml:"language" json:"language" mapstructure:"language"`
	Expression string `yaml:"expression" json:"expression" mapstructure:"expression"`
	Enabled    *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`
}

func (s *SlotSpec) active() bool {
	if s == nil || strings.TrimSpace(s.Expression) == "" {
		return false
	}
	return s.Enabled == nil || *s.Enabled
}

type WorkflowSpec struct {
	Entry      *SlotSpec `yaml:"entry,omitempty" json:"entry,omitempty" mapstructure:"entry"`
	NoEntry    *SlotSpec `yaml:"no_entry,omitempty" json:"no_entry,omitempty" mapstructure:"no_entry"`
	Exit       *SlotSpec `yaml:"exit,omitempty" json:"exit,omitempty" mapstructure:"exit"`
	UpdateStop *SlotSpec `yaml:"update_stop,omitempty" json:"update_stop,omitempty" mapstructure:"update_stop"`
}

type ConditionSpec struct {
	Tag        string  `yaml:"tag" json:"tag" mapstructure:"tag"`
	Expression string  `yaml:"expression" json:"expression" mapstructure:"expression"`
	Weight     float64 `yaml:"weight" json:"weight" mapstructure:"weight"`
}

// RuleSetSpec 为 rule_sets 下单个条目的原始配置。
type RuleSetSpec struct {
	Regimes         []string           `yaml:"regimes" json:"regimes" mapstructure:"regimes"`
	Side            string             `yaml:"side" json:"side" mapstructure:"side"`
	BaseConfidence  float64            `yaml:"base_confidence" json:"base_confidence" mapstructure:"base_confidence"`
	StopATRMultiple float64            `yaml:"stop_atr_multiple,omitempty" json:"stop_atr_multiple,omitempty" mapstructure:"stop_atr_multiple"`
	StopPct         float64            `yaml:"stop_pct,omitempty" json:"stop_pct,omitempty" mapstructure:"stop_pct"`
	TrailPct        float64            `yaml:"trail_pct,omitempty" json:"trail_pct,omitempty" mapstructure:"trail_pct"`
	Params          map[string]float64 `yaml:"params,omitempty" json:"params,omitempty" mapstructure:"params"`
	Conditions      []ConditionSpec    `yaml:"conditions,omitempty" json:"conditions,omitempty" mapstructure:"conditions"`
	Workflow        WorkflowSpec       `yaml:"workflow" json:"workflow" mapstructure:"workflow"`
}

// FileSpec 映射整个规则文件。
type FileSpec struct {
	Default  string                 `yaml:"default,omitempty" json:"default,omitempty" mapstructure:"default"`
	RuleSets map[string]RuleSetSpec `yaml:"rule_sets" json:"rule_sets" mapstructure:"rule_sets"`
}

// Condition 是编译后的打分条件。
type Condition struct {
	Tag    string
	Weight float64
	prog   *Program
}

// RuleSet 是编译完成、只读的规则集。
type RuleSet struct {
	Name            string
	Regimes         []regime.Regime
	Side            market.Side
	BaseConfidence  float64
	StopATRMultiple float64
	StopPct         float64
	TrailPct        float64
	Params          map[string]float64
	Conditions      []Condition

	Entry      *Program
	NoEntry    *Program
	Exit       *Program
	UpdateStop *Program
}

// CanEnter 表示该规则集是否允许开仓。
func (rs *RuleSet) CanEnter() bool {
	return rs != nil && rs.Entry != nil
}

// NoEntryBlocks 在 no_entry 表达式为真时返回 true。
func (rs *RuleSet) NoEntryBlocks(env Env) (bool, error) {
	if rs == nil || rs.NoEntry == nil {
		return false, nil
	}
	return rs.NoEntry.Bool(env)
}

// EntryFires 计算 entry 表达式。
func (rs *RuleSet) EntryFires(env Env) (bool, error) {
	if !rs.CanEnter() {
		return false, nil
	}
	return rs.Entry.Bool(env)
}

// FiredConditions 返回为真的条件，顺序与文件一致。
func (rs *RuleSet) FiredConditions(env Env) ([]Condition, error) {
	if rs == nil {
		return nil, nil
	}
	var out []Condition
	for _, c := range rs.Conditions {
		ok, err := c.prog.Bool(env)
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", c.Tag, err)
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// StopFor 给出入场止损价：优先 ATR 倍数，其次百分比。
func (rs *RuleSet) StopFor(side market.Side, entry, atr float64) float64 {
	if rs == nil || entry <= 0 {
		return 0
	}
	dist := 0.0
	if rs.StopATRMultiple > 0 && atr > 0 {
		dist = rs.StopATRMultiple * atr
	} else if rs.StopPct > 0 {
		dist = entry * rs.StopPct
	}
	if dist <= 0 || dist >= entry {
		return 0
	}
	return entry - side.Sign()*dist
}

// CompileRuleSet 编译单个规则集；任何表达式失败都会返回错误。
func CompileRuleSet(name string, spec RuleSetSpec) (*RuleSet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("rule set name is empty")
	}
	rs := &RuleSet{
		Name:            name,
		BaseConfidence:  spec.BaseConfidence,
		StopATRMultiple: spec.StopATRMultiple,
		StopPct:         spec.StopPct,
		TrailPct:        spec.TrailPct,
		Params:          make(map[string]float64, len(spec.Params)),
	}
	for k, v := range spec.Params {
		rs.Params[k] = v
	}
	side, err := market.ParseSide(spec.Side)
	if err != nil {
		return nil, fmt.Errorf("rule set %s: %w", name, err)
	}
	rs.Side = side
	if rs.BaseConfidence < 0 || rs.BaseConfidence > 100 {
		return nil, fmt.Errorf("rule set %s: base_confidence must be within [0,100]", name)
	}
	if rs.StopPct < 0 || rs.StopPct >= 1 || rs.TrailPct < 0 || rs.TrailPct >= 1 || rs.StopATRMultiple < 0 {
		return nil, fmt.Errorf("rule set %s: stop/trail parameters out of range", name)
	}
	for _, raw := range spec.Regimes {
		r, err := regime.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: %w", name, err)
		}
		rs.Regimes = append(rs.Regimes, r)
	}
	for i, c := range spec.Conditions {
		tag := strings.TrimSpace(c.Tag)
		if tag == "" {
			return nil, fmt.Errorf("rule set %s: condition #%d has no tag", name, i)
		}
		prog, err := CompileBool(c.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule set %s condition %s: %w", name, tag, err)
		}
		rs.Conditions = append(rs.Conditions, Condition{Tag: tag, Weight: c.Weight, prog: prog})
	}
	slots := []struct {
		label  string
		spec   *SlotSpec
		target **Program
		num    bool
	}{
		{"entry", spec.Workflow.Entry, &rs.Entry, false},
		{"no_entry", spec.Workflow.NoEntry, &rs.NoEntry, false},
		{"exit", spec.Workflow.Exit, &rs.Exit, false},
		{"update_stop", spec.Workflow.UpdateStop, &rs.UpdateStop, true},
	}
	for _, slot := range slots {
		if !slot.spec.active() {
			continue
		}
		if lang := strings.TrimSpace(slot.spec.Language); lang != "" && lang != LanguageDSL {
			return nil, fmt.Errorf("rule set %s %s: unsupported language %q", name, slot.label, lang)
		}
		var prog *Program
		if slot.num {
			prog, err = CompileNumber(slot.spec.Expression)
		} else {
			prog, err = CompileBool(slot.spec.Expression)
		}
		if err != nil {
			return nil, fmt.Errorf("rule set %s %s: %w", name, slot.label, err)
		}
		*slot.target = prog
	}
	return rs, nil
}

// Catalog 是 regime → 规则集的不可变映射。
type Catalog struct {
	sets     map[string]*RuleSet
	byRegime map[regime.Regime]*RuleSet
	fallback *RuleSet
}

// NewCatalog 由已编译的规则集构建目录；同一 regime 只能归属一个规则集。
// fallback 为 nil 时使用内置保守规则集。
func NewCatalog(sets []*RuleSet, fallback *RuleSet) (*Catalog, error) {
	c := &Catalog{
		sets:     make(map[string]*RuleSet, len(sets)),
		byRegime: make(map[regime.Regime]*RuleSet),
		fallback: fallback,
	}
	if c.fallback == nil {
		c.fallback = Conservative()
	}
	for _, rs := range sets {
		if rs == nil {
			continue
		}
		if _, dup := c.sets[rs.Name]; dup {
			return nil, fmt.Errorf("duplicate rule set %s", rs.Name)
		}
		c.sets[rs.Name] = rs
		for _, r := range rs.Regimes {
			if prev, ok := c.byRegime[r]; ok {
				return nil, fmt.Errorf("regime %s mapped by both %s and %s", r, prev.Name, rs.Name)
			}
			c.byRegime[r] = rs
		}
	}
	return c, nil
}

// CompileFile 编译完整文件；default 指向的规则集作为回退。
func CompileFile(spec FileSpec) (*Catalog, error) {
	names := make([]string, 0, len(spec.RuleSets))
	for name := range spec.RuleSets {
		names = append(names, name)
	}
	sort.Strings(names)
	sets := make([]*RuleSet, 0, len(names))
	byName := make(map[string]*RuleSet, len(names))
	for _, name := range names {
		rs, err := CompileRuleSet(name, spec.RuleSets[name])
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
		byName[rs.Name] = rs
	}
	var fallback *RuleSet
	if def := strings.TrimSpace(spec.Default); def != "" {
		rs, ok := byName[def]
		if !ok {
			return nil, fmt.Errorf("default rule set %s not defined", def)
		}
		fallback = rs
	}
	return NewCatalog(sets, fallback)
}

// Lookup 纯查找；未覆盖的 regime 返回回退规则集。
func (c *Catalog) Lookup(r regime.Regime) *RuleSet {
	if c == nil {
		return Conservative()
	}
	if rs, ok := c.byRegime[r]; ok {
		return rs
	}
	return c.fallback
}

// Get 按名称取规则集。
func (c *Catalog) Get(name string) (*RuleSet, bool) {
	if c == nil {
		return nil, false
	}
	rs, ok := c.sets[name]
	return rs, ok
}

// Names 返回排序后的规则集名称。
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.sets))
	for name := range c.sets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Fallback() *RuleSet {
	if c == nil {
		return Conservative()
	}
	return c.fallback
}

package strategy

import (
	"sync/atomic"

	"orderpilot/internal/regime"
)

// Selector 根据 regime 选择规则集；目录可被热重载原子替换。
type Selector struct {
	catalog atomic.Pointer[Catalog]
}

func NewSelector(c *Catalog) *Selector {
	s := &Selector{}
	if c == nil {
		c, _ = NewCatalog(nil, nil)
	}
	s.catalog.Store(c)
	return s
}

// Select 是纯查找，不会返回 nil。
func (s *Selector) Select(r regime.Regime) *RuleSet {
	return s.catalog.Load().Lookup(r)
}

// Swap 替换目录（热重载回调使用）。
func (s *Selector) Swap(c *Catalog) {
	if c == nil {
		return
	}
	s.catalog.Store(c)
}

// Catalog 返回当前目录。
func (s *Selector) Catalog() *Catalog {
	return s.catalog.Load()
}

// ByName 在当前目录中查找规则集；找不到时退回保守规则集。
func (s *Selector) ByName(name string) *RuleSet {
	c := s.catalog.Load()
	if rs, ok := c.Get(name); ok {
		return rs
	}
	if fb := c.Fallback(); fb != nil && fb.Name == name {
		return fb
	}
	return Conservative()
}

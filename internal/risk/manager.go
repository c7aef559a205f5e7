package risk

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"orderpilot/internal/logger"
)

// Limits 为组合级风控参数；运行期唯一可变的是 kill switch，由 Manager 独占写入。
type Limits struct {
	DailyLossLimitPct float64 // 相对当日起始权益 0~1
	MaxExposurePct    float64
	RiskPerTradePct   float64
}

// View 是各 symbol 管线可见的只读视图。
type View interface {
	KillSwitchActive() bool
}

type exposure struct {
	notional   float64
	unrealized float64
}

// Manager 汇总当日已实现/未实现盈亏，超出日亏损上限时拉下 kill switch。
type Manager struct {
	limits Limits
	kill   atomic.Bool

	mu             sync.Mutex
	startEquity    float64
	realizedTotal  float64
	day            string
	dayStartEquity float64
	positions      map[string]exposure
	reason         string
	trippedAt      int64
	onTrip         func(reason string)
}

func NewManager(limits Limits, equity float64) *Manager {
	return &Manager{
		limits:         limits,
		startEquity:    equity,
		dayStartEquity: equity,
		positions:      make(map[string]exposure),
	}
}

// OnTrip 注册 kill switch 触发回调（通知、指标）。
func (m *Manager) OnTrip(fn func(reason string)) {
	m.mu.Lock()
	m.onTrip = fn
	m.mu.Unlock()
}

func (m *Manager) Limits() Limits { return m.limits }

// KillSwitchActive 原子读，可被任意 goroutine 调用。
func (m *Manager) KillSwitchActive() bool { return m.kill.Load() }

// Equity 返回起始权益 + 已实现盈亏，用于仓位计算。
func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startEquity + m.realizedTotal
}

// OpenPosition 登记新仓位的名义价值。
func (m *Manager) OpenPosition(symbol string, notional float64, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(ts)
	m.positions[symbol] = exposure{notional: notional}
}

// MarkToMarket 更新未实现盈亏并检查日亏损。
func (m *Manager) MarkToMarket(symbol string, unrealized, notional float64, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(ts)
	if _, ok := m.positions[symbol]; ok {
		m.positions[symbol] = exposure{notional: notional, unrealized: unrealized}
	}
	return m.checkLocked(ts)
}

// ClosePosition 把平仓盈亏计入已实现并释放敞口。
func (m *Manager) ClosePosition(symbol string, realized float64, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(ts)
	delete(m.positions, symbol)
	m.realizedTotal += realized
	return m.checkLocked(ts)
}

// ExposureBreached 报告总名义价值是否超过 max_exposure。
func (m *Manager) ExposureBreached() bool {
	if m.limits.MaxExposurePct <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	equity := m.markEquityLocked()
	if equity <= 0 {
		return len(m.positions) > 0
	}
	total := 0.0
	for _, exp := range m.positions {
		total += exp.notional
	}
	return total/equity > m.limits.MaxExposurePct
}

// CanOpen 判断再加一笔 notional 后总敞口是否仍在 max_exposure 之内。
func (m *Manager) CanOpen(notional float64) bool {
	if m.limits.MaxExposurePct <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	equity := m.markEquityLocked()
	if equity <= 0 {
		return false
	}
	total := notional
	for _, exp := range m.positions {
		total += exp.notional
	}
	return total/equity <= m.limits.MaxExposurePct+1e-9
}

// Activate 手动拉下 kill switch。
func (m *Manager) Activate(reason string, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripLocked("manual: "+reason, ts)
}

// Reset 为人工复位，唯一能清除 kill switch 的入口。
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.kill.Load() {
		return
	}
	m.kill.Store(false)
	m.dayStartEquity = m.markEquityLocked()
	logger.Warnf("[risk] kill switch 已人工复位 (原因: %s)", m.reason)
	m.reason = ""
	m.trippedAt = 0
}

func (m *Manager) checkLocked(ts int64) error {
	if m.kill.Load() {
		return fmt.Errorf("%w: %s", ErrRiskLimitExceeded, m.reason)
	}
	if m.limits.DailyLossLimitPct <= 0 || m.dayStartEquity <= 0 {
		return nil
	}
	dayPnL := m.markEquityLocked() - m.dayStartEquity
	limit := m.dayStartEquity * m.limits.DailyLossLimitPct
	if dayPnL <= -limit {
		m.tripLocked(fmt.Sprintf("daily loss %.2f breached limit %.2f", -dayPnL, limit), ts)
		return fmt.Errorf("%w: %s", ErrRiskLimitExceeded, m.reason)
	}
	return nil
}

func (m *Manager) tripLocked(reason string, ts int64) {
	if m.kill.Load() {
		return
	}
	m.reason = reason
	m.trippedAt = ts
	m.kill.Store(true)
	logger.Errorf("[risk] kill switch 触发: %s", reason)
	if m.onTrip != nil {
		go m.onTrip(reason)
	}
}

func (m *Manager) markEquityLocked() float64 {
	eq := m.startEquity + m.realizedTotal
	for _, exp := range m.positions {
		eq += exp.unrealized
	}
	return eq
}

// rollDayLocked 以 K 线时间（UTC）切日，保证回测与实盘一致。
func (m *Manager) rollDayLocked(ts int64) {
	if ts <= 0 {
		return
	}
	day := time.UnixMilli(ts).UTC().Format("2006-01-02")
	if day == m.day {
		return
	}
	if m.day != "" {
		m.dayStartEquity = m.markEquityLocked()
	}
	m.day = day
}

// Snapshot 为 HTTP/日志提供的只读视图。
type Snapshot struct {
	KillSwitch     bool               `json:"kill_switch"`
	Reason         string             `json:"reason,omitempty"`
	TrippedAt      int64              `json:"tripped_at,omitempty"`
	Day            string             `json:"day"`
	Equity         float64            `json:"equity"`
	DayStartEquity float64            `json:"day_start_equity"`
	DayPnL         float64            `json:"day_pnl"`
	Exposure       float64            `json:"exposure"`
	Symbols        []string           `json:"symbols"`
	Unrealized     map[string]float64 `json:"unrealized"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	eq := m.markEquityLocked()
	snap := Snapshot{
		KillSwitch:     m.kill.Load(),
		Reason:         m.reason,
		TrippedAt:      m.trippedAt,
		Day:            m.day,
		Equity:         eq,
		DayStartEquity: m.dayStartEquity,
		DayPnL:         eq - m.dayStartEquity,
		Unrealized:     make(map[string]float64, len(m.positions)),
	}
	for sym, exp := range m.positions {
		snap.Exposure += exp.notional
		snap.Symbols = append(snap.Symbols, sym)
		snap.Unrealized[sym] = exp.unrealized
	}
	sort.Strings(snap.Symbols)
	return snap
}

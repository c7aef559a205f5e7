package model

import "gorm.io/datatypes"

// AuditEventModel maps to 'audit_events'：实盘管线的每一条事件。
type AuditEventModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	EventID   string         `gorm:"column:event_id;size:36;uniqueIndex"`
	Symbol    string         `gorm:"column:symbol;index:idx_audit_symbol_ts"`
	Kind      string         `gorm:"column:kind;index"`
	State     string         `gorm:"column:state"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Timestamp int64          `gorm:"column:timestamp;index:idx_audit_symbol_ts"`
	CreatedAt int64          `gorm:"column:created_at;autoCreateTime:milli"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// TradeModel maps to 'trades'：平仓记录单独落表，方便按交易对查询。
type TradeModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol     string         `gorm:"column:symbol;index"`
	Side       string         `gorm:"column:side"`
	RuleSet    string         `gorm:"column:rule_set"`
	SignalID   string         `gorm:"column:signal_id;index"`
	EntryTime  int64          `gorm:"column:entry_time"`
	ExitTime   int64          `gorm:"column:exit_time;index"`
	EntryPrice float64        `gorm:"column:entry_price"`
	ExitPrice  float64        `gorm:"column:exit_price"`
	Qty        float64        `gorm:"column:qty"`
	PnL        float64        `gorm:"column:pnl"`
	ExitReason string         `gorm:"column:exit_reason"`
	Record     datatypes.JSON `gorm:"column:record"`
}

func (TradeModel) TableName() string { return "trades" }

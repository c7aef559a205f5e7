package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"orderpilot/internal/bot"
	applog "orderpilot/internal/logger"
	"orderpilot/internal/store/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AuditStore 把 bot 事件异步写入 sqlite；Emit 永不阻塞决策管线。
type AuditStore struct {
	db      *gorm.DB
	queue   chan bot.Event
	dropped atomic.Int64
	batch   int
}

func NewAuditStore(path string, buffer int) (*AuditStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewAuditStoreFromDB(db, buffer)
}

func NewAuditStoreFromDB(db *gorm.DB, buffer int) (*AuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&model.AuditEventModel{}, &model.TradeModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &AuditStore{db: db, queue: make(chan bot.Event, buffer), batch: 64}, nil
}

// Emit 实现 bot.EventSink；队列满时丢弃并计数。
func (s *AuditStore) Emit(e bot.Event) {
	select {
	case s.queue <- e:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			applog.Warnf("[audit] queue full, dropped %d events", n)
		}
	}
}

func (s *AuditStore) Dropped() int64 { return s.dropped.Load() }

// Run 批量落库直到 ctx 结束，结束前把队列中剩余事件写完。
func (s *AuditStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	pending := make([]bot.Event, 0, s.batch)
	flush := func(c context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.Write(c, pending); err != nil {
			applog.Errorf("[audit] write %d events: %v", len(pending), err)
		}
		pending = pending[:0]
	}
	for {
		select {
		case e := <-s.queue:
			pending = append(pending, e)
			if len(pending) >= s.batch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-s.queue:
					pending = append(pending, e)
				default:
					flush(drain)
					return nil
				}
			}
		}
	}
}

// Write 同步写入一批事件；trade_closed 额外写入 trades 表。
func (s *AuditStore) Write(ctx context.Context, events []bot.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.AuditEventModel, 0, len(events))
	var trades []model.TradeModel
	for _, e := range events {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", e.Kind, err)
		}
		rows = append(rows, model.AuditEventModel{
			EventID:   uuid.NewString(),
			Symbol:    e.Symbol,
			Kind:      string(e.Kind),
			State:     string(e.State),
			Payload:   datatypes.JSON(raw),
			Timestamp: e.Timestamp,
		})
		if t, ok := e.Payload.(bot.TradeRecord); ok {
			trades = append(trades, model.TradeModel{
				Symbol:     t.Symbol,
				Side:       string(t.Side),
				RuleSet:    t.RuleSet,
				SignalID:   t.SignalID,
				EntryTime:  t.EntryTime,
				ExitTime:   t.ExitTime,
				EntryPrice: t.EntryPrice,
				ExitPrice:  t.ExitPrice,
				Qty:        t.Qty,
				PnL:        t.PnL,
				ExitReason: t.ExitReason,
				Record:     datatypes.JSON(raw),
			})
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return err
		}
		if len(trades) > 0 {
			return tx.Create(&trades).Error
		}
		return nil
	})
}

// EventQuery 为事件查询条件，空字段不过滤。
type EventQuery struct {
	Symbol string
	Kind   string
	Since  int64
	Limit  int
}

func (s *AuditStore) ListEvents(ctx context.Context, q EventQuery) ([]model.AuditEventModel, error) {
	var out []model.AuditEventModel
	tx := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC")
	if q.Symbol != "" {
		tx = tx.Where("symbol = ?", strings.ToUpper(q.Symbol))
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", q.Kind)
	}
	if q.Since > 0 {
		tx = tx.Where("timestamp >= ?", q.Since)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if err := tx.Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AuditStore) ListTrades(ctx context.Context, symbol string, limit int) ([]model.TradeModel, error) {
	var out []model.TradeModel
	tx := s.db.WithContext(ctx).Order("exit_time DESC")
	if symbol != "" {
		tx = tx.Where("symbol = ?", strings.ToUpper(symbol))
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if err := tx.Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

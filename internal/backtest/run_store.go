package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"orderpilot/internal/bot"

	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs / trades / snapshots 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			advisor_mode TEXT NOT NULL DEFAULT '',
			fingerprint TEXT,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			trade_json TEXT NOT NULL,
			pnl REAL NOT NULL,
			exit_reason TEXT,
			entry_time INTEGER NOT NULL,
			exit_time INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id, seq);`,
		`CREATE TABLE IF NOT EXISTS backtest_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			drawdown REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, symbol, timeframe, status, advisor_mode, config_json, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Timeframe, run.Status, run.AdvisorMode, string(cfgJSON), run.Message, now, now)
	return err
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed any
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// SaveResult 在一个事务中写入成交、资金曲线与汇总，并把任务置为 done。
func (s *ResultStore) SaveResult(ctx context.Context, id string, res Result) error {
	statsJSON, err := json.Marshal(res.Stats)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, t := range res.Trades {
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_trades (run_id, seq, trade_json, pnl, exit_reason, entry_time, exit_time)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, id, i, string(raw), t.PnL, t.ExitReason, t.EntryTime, t.ExitTime); err != nil {
			return err
		}
	}
	for _, p := range res.Equity {
		if _, err := tx.ExecContext(ctx, `INSERT INTO backtest_snapshots (run_id, ts, equity, drawdown) VALUES (?, ?, ?, ?)`,
			id, p.TS, p.Equity, p.Drawdown); err != nil {
			return err
		}
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, advisor_mode=?, fingerprint=?, stats_json=?, message=?, updated_at=?, completed_at=?
		WHERE id=?`, RunStatusDone, res.AdvisorMode, res.Fingerprint, string(statsJSON), "done", now, now, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, status, advisor_mode, fingerprint, config_json, stats_json,
		       message, created_at, updated_at, completed_at
		FROM backtest_runs
		ORDER BY created_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, status, advisor_mode, fingerprint, config_json, stats_json,
		       message, created_at, updated_at, completed_at
		FROM backtest_runs WHERE id=?`, strings.TrimSpace(id))
	return scanRun(row)
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string) ([]bot.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trade_json FROM backtest_trades WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []bot.TradeRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t bot.TradeRecord
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]EquityPoint, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, equity, drawdown FROM backtest_snapshots WHERE run_id=? ORDER BY ts LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.TS, &p.Equity, &p.Drawdown); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var fingerprint, statsStr, message sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Symbol, &run.Timeframe, &run.Status, &run.AdvisorMode, &fingerprint,
		&cfgStr, &statsStr, &message, &createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.Fingerprint = fingerprint.String
	run.Message = message.String
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

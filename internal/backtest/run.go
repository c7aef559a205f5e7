package backtest

import "time"

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// Run 表示一次持久化的回测任务。
type Run struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Status      string    `json:"status"`
	AdvisorMode string    `json:"advisor_mode"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Message     string    `json:"message,omitempty"`
	Config      RunConfig `json:"config"`
	Stats       Stats     `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunRequest 为 HTTP / CLI 提交使用。
type RunRequest struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Timeframe     string  `json:"timeframe"`
	StartTS       int64   `json:"start_ts" binding:"required"`
	EndTS         int64   `json:"end_ts" binding:"required"`
	InitialEquity float64 `json:"initial_equity"`
	FeeBps        float64 `json:"fee_bps"`
	SlippageBps   float64 `json:"slippage_bps"`
	Notes         string  `json:"notes"`
}

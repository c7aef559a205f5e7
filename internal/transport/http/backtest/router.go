package backtesthttp

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"orderpilot/internal/backtest"
	"orderpilot/internal/bot"

	"github.com/gin-gonic/gin"
)

// Runner 提交异步回测。
type Runner interface {
	StartRun(req backtest.RunRequest) (backtest.Run, error)
}

// RunStore 查询已持久化的回测结果。
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]backtest.Run, error)
	GetRun(ctx context.Context, id string) (backtest.Run, error)
	ListTrades(ctx context.Context, runID string) ([]bot.TradeRecord, error)
	ListSnapshots(ctx context.Context, runID string, limit int) ([]backtest.EquityPoint, error)
}

// DataStore 查询本地 K 线覆盖情况。
type DataStore interface {
	Manifest(ctx context.Context, symbol, timeframe string) (backtest.Manifest, error)
	CheckIntegrity(ctx context.Context, symbol string, tf backtest.Timeframe, start, end int64) (backtest.IntegrityReport, error)
}

// Router 注册 /api/backtest 下的接口。
type Router struct {
	runner  Runner
	results RunStore
	data    DataStore
}

func NewRouter(runner Runner, results RunStore, data DataStore) *Router {
	return &Router{runner: runner, results: results, data: data}
}

func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/timeframes", r.handleTimeframes)
	group.GET("/data", r.handleData)
	group.POST("/runs", r.handleRunStart)
	group.GET("/runs", r.handleRunList)
	group.GET("/runs/:id", r.handleRunDetail)
	group.GET("/runs/:id/trades", r.handleRunTrades)
	group.GET("/runs/:id/snapshots", r.handleRunSnapshots)
}

func (r *Router) handleTimeframes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"timeframes": backtest.SupportedTimeframes()})
}

func (r *Router) handleData(c *gin.Context) {
	if r.data == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线存储未启用"})
		return
	}
	symbol := c.Query("symbol")
	tfRaw := c.Query("timeframe")
	if symbol == "" || tfRaw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	tf, err := backtest.ParseTimeframe(tfRaw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	manifest, err := r.data.Manifest(ctx, symbol, tf.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"manifest": manifest}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	if start > 0 && end > start {
		report, err := r.data.CheckIntegrity(ctx, symbol, tf, start, end)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp["integrity"] = report
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleRunStart(c *gin.Context) {
	if r.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模拟器未启用"})
		return
	}
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := r.runner.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (r *Router) handleRunList(c *gin.Context) {
	if r.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := r.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (r *Router) handleRunDetail(c *gin.Context) {
	if r.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	run, err := r.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (r *Router) handleRunTrades(c *gin.Context) {
	if r.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	trades, err := r.results.ListTrades(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleRunSnapshots(c *gin.Context) {
	if r.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5000"))
	snaps, err := r.results.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func statusFor(err error) int {
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

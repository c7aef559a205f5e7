package livehttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"orderpilot/internal/bot"
	"orderpilot/internal/market"
	"orderpilot/internal/risk"
	"orderpilot/internal/store/model"
	"orderpilot/internal/store/sqlite"

	"github.com/gin-gonic/gin"
)

// Engine 为实盘引擎在 HTTP 层可见的部分。
type Engine interface {
	Snapshots() []bot.Snapshot
	ResetRisk(ctx context.Context) error
}

type RiskView interface {
	Snapshot() risk.Snapshot
}

// AuditStore 是持久化事件的查询面；未配置时退回内存 Recorder。
type AuditStore interface {
	ListEvents(ctx context.Context, q sqlite.EventQuery) ([]model.AuditEventModel, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]model.TradeModel, error)
}

type EventBuffer interface {
	Events(kind bot.EventKind) []bot.Event
}

type FeedStats interface {
	Stats() market.SourceStats
}

// RouterDeps 汇总 /api/live 依赖；除 Engine 与 Risk 外均可为空。
type RouterDeps struct {
	Engine Engine
	Risk   RiskView
	Audit  AuditStore
	Recent EventBuffer
	Feed   FeedStats
	Rules  func() []string
}

type Router struct {
	deps RouterDeps
}

func NewRouter(deps RouterDeps) *Router {
	return &Router{deps: deps}
}

func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/symbols", r.handleSymbols)
	group.GET("/symbols/:symbol", r.handleSymbol)
	group.GET("/risk", r.handleRisk)
	group.POST("/risk/reset", r.handleRiskReset)
	group.GET("/events", r.handleEvents)
	group.GET("/trades", r.handleTrades)
	group.GET("/rules", r.handleRules)
	group.GET("/feed", r.handleFeed)
}

func (r *Router) handleSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": r.deps.Engine.Snapshots()})
}

func (r *Router) handleSymbol(c *gin.Context) {
	want := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	for _, snap := range r.deps.Engine.Snapshots() {
		if snap.Symbol == want {
			c.JSON(http.StatusOK, gin.H{"symbol": snap})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol " + want})
}

func (r *Router) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"risk": r.deps.Risk.Snapshot()})
}

// handleRiskReset 人工复位 kill switch，所有 HALTED 交易对回到 IDLE。
func (r *Router) handleRiskReset(c *gin.Context) {
	if err := r.deps.Engine.ResetRisk(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": r.deps.Risk.Snapshot()})
}

func (r *Router) handleEvents(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	kind := strings.TrimSpace(c.Query("kind"))
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if r.deps.Audit != nil {
		rows, err := r.deps.Audit.ListEvents(c.Request.Context(), sqlite.EventQuery{
			Symbol: symbol, Kind: kind, Since: since, Limit: limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": rows, "source": "audit"})
		return
	}
	if r.deps.Recent == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件存储未启用"})
		return
	}
	all := r.deps.Recent.Events(bot.EventKind(kind))
	out := make([]bot.Event, 0, len(all))
	// 倒序，与审计库一致
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		if since > 0 && e.Timestamp < since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "source": "memory"})
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.deps.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := r.deps.Audit.ListTrades(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleRules(c *gin.Context) {
	var names []string
	if r.deps.Rules != nil {
		names = r.deps.Rules()
	}
	c.JSON(http.StatusOK, gin.H{"rules": names})
}

func (r *Router) handleFeed(c *gin.Context) {
	if r.deps.Feed == nil {
		c.JSON(http.StatusOK, gin.H{"feed": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feed": r.deps.Feed.Stats()})
}

package livehttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/advisory/auditlog"
	"autotrader/internal/analysis/performance"
	"autotrader/internal/logger"
	"autotrader/internal/store"
	"autotrader/internal/types"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit     = 100
	maxLimit         = 500
	performanceDepth = 5000
)

// Router serves the /api group.
type Router struct {
	risk     RiskBook
	store    store.Store
	events   EventSource
	advisory AdvisoryLog
	limiter  LimiterView
	pipeline PipelineView
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		risk:     cfg.Risk,
		store:    cfg.Store,
		events:   cfg.Events,
		advisory: cfg.Advisory,
		limiter:  cfg.Limiter,
		pipeline: cfg.Pipeline,
	}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/risk", r.handleRisk)
	group.PUT("/risk/limits", r.handleUpdateLimits)
	group.GET("/orders", r.handleOrders)
	group.GET("/orders/:key", r.handleOrder)
	group.GET("/trades", r.handleTrades)
	group.GET("/events", r.handleEvents)
	group.GET("/advisory", r.handleAdvisory)
	group.GET("/performance", r.handlePerformance)
	group.GET("/performance/chart", r.handlePerformanceChart)
	group.GET("/pipeline", r.handlePipeline)
	group.POST("/pipeline/resume/:asset", r.handleResume)
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if n <= 0 {
		n = defaultLimit
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n
}

func queryAsset(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Query("asset")))
}

func (r *Router) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, riskResponse{State: r.risk.Snapshot(), Limits: viewLimits(r.risk.Limits())})
}

func (r *Router) handleUpdateLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := req.apply(r.risk.Limits())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.risk.SetLimits(next)
	logger.Infof("[api] risk limits updated ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, viewLimits(next))
}

func (r *Router) handleOrders(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	q := store.OrderQuery{
		Asset:  queryAsset(c),
		Status: types.OrderStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Limit:  queryLimit(c),
	}
	orders, err := r.store.ListOrders(ctx, q)
	if err != nil {
		logger.Errorf("[api] list orders failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (r *Router) handleOrder(c *gin.Context) {
	rec, err := r.store.GetOrder(c.Request.Context(), c.Param("key"))
	if err != nil {
		status := http.StatusInternalServerError
		if errorsIsNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleTrades(c *gin.Context) {
	trades, err := r.store.RecentTrades(c.Request.Context(), queryAsset(c), queryLimit(c))
	if err != nil {
		logger.Errorf("[api] recent trades failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": r.events.Recent(queryLimit(c))})
}

func (r *Router) handleAdvisory(c *gin.Context) {
	resp := gin.H{}
	if r.limiter != nil {
		resp["remaining_calls"] = r.limiter.Remaining()
	}
	if r.advisory == nil {
		resp["attempts"] = []any{}
		c.JSON(http.StatusOK, resp)
		return
	}
	attempts, err := r.advisory.Recent(c.Request.Context(), auditlog.Query{Asset: queryAsset(c), Limit: queryLimit(c)})
	if err != nil {
		logger.Errorf("[api] advisory attempts failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp["attempts"] = attempts
	c.JSON(http.StatusOK, resp)
}

func (r *Router) performance(c *gin.Context) (performance.Report, bool) {
	trades, err := r.store.RecentTrades(c.Request.Context(), queryAsset(c), performanceDepth)
	if err != nil {
		logger.Errorf("[api] performance trades failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return performance.Report{}, false
	}
	return performance.Analyze(trades), true
}

func (r *Router) handlePerformance(c *gin.Context) {
	rep, ok := r.performance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (r *Router) handlePerformanceChart(c *gin.Context) {
	rep, ok := r.performance(c)
	if !ok {
		return
	}
	html, err := performance.RenderChart(rep)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (r *Router) handlePipeline(c *gin.Context) {
	if r.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not running"})
		return
	}
	c.JSON(http.StatusOK, r.pipeline.Stats())
}

func (r *Router) handleResume(c *gin.Context) {
	if r.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not running"})
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(c.Param("asset")))
	if !r.pipeline.Resume(asset) {
		c.JSON(http.StatusNotFound, gin.H{"error": asset + " is not halted"})
		return
	}
	logger.Warnf("[api] %s resumed by ip=%s", asset, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"asset": asset, "resumed": true})
}

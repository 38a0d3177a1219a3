// Package web 提供只读状态接口：引擎快照与持久化统计的 JSON 视图。
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/internal/engine"
)

var log = logrus.WithField("component", "web")

// Server 状态服务
type Server struct {
	engine *engine.Engine
	store  engine.StatsStore
	symbol string
	http   *http.Server
}

// NewServer 创建状态服务
func NewServer(eng *engine.Engine, store engine.StatsStore, symbol string) *Server {
	return &Server{engine: eng, store: store, symbol: symbol}
}

// Start 在 addr 上启动 HTTP 服务（非阻塞）
func (s *Server) Start(addr string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", s.handleStatus)
	router.GET("/stats/daily", s.handleDailyStats)
	router.GET("/stats/alltime", s.handleAllTimeStats)
	router.GET("/trades/recent", s.handleRecentTrades)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("状态服务已启动: http://%s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("状态服务异常退出: %v", err)
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleDailyStats(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))

	date := c.Query("date")
	if date != "" {
		st, found, err := s.store.GetDailyStats(c.Request.Context(), date, s.symbol)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "该日期无统计数据"})
			return
		}
		c.JSON(http.StatusOK, st)
		return
	}

	// sqlite store 支持按日期列表；其他实现回退到当日统计
	if lister, ok := s.store.(dailyLister); ok {
		list, err := lister.ListDailyStats(c.Request.Context(), s.symbol, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	st, found, err := s.store.GetDailyStats(c.Request.Context(), today, s.symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"date": today, "symbol": s.symbol, "trades": 0})
		return
	}
	c.JSON(http.StatusOK, st)
}

type dailyLister interface {
	ListDailyStats(ctx context.Context, symbol string, limit int) ([]domain.DailyStats, error)
}

func (s *Server) handleAllTimeStats(c *gin.Context) {
	st, err := s.store.GetAllTimeStats(c.Request.Context(), s.symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	trades, err := s.store.GetRecentTrades(c.Request.Context(), s.symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

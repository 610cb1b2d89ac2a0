package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pilot/engine"
	"pilot/store"
)

// Server exposes the dashboard HTTP API and the websocket push channel.
type Server struct {
	router *gin.Engine
	orch   *engine.Orchestrator
	store  store.Store
	hub    *Hub
	port   int
	log    *logrus.Entry

	httpServer *http.Server
}

// NewServer creates the API server around a running orchestrator.
func NewServer(orch *engine.Orchestrator, st store.Store, hub *Hub, port int, log *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		orch:   orch,
		store:  st,
		hub:    hub,
		port:   port,
		log:    log.WithField("component", "api"),
	}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.Any("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/market", s.handleMarket)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/trades", s.handleTrades)
		api.GET("/rejections", s.handleRejections)
		api.GET("/equity-history", s.handleEquityHistory)
		api.GET("/performance", s.handlePerformance)
	}

	s.router.GET("/ws", s.handleWebsocket)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "path": c.Request.URL.Path})
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cycle":      s.orch.Cycle(),
		"started_at": s.orch.StartedAt(),
		"clients":    s.hub.ClientCount(),
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	balance := s.orch.LatestBalance()
	snap := s.orch.LastAccountSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"balance":       balance,
		"account_value": snap.AccountValue,
		"return_pct":    snap.ReturnPct,
		"sharpe_ratio":  snap.SharpeRatio,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.orch.LatestPositions()})
}

func (s *Server) handleMarket(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"snapshots": s.orch.LatestSnapshots()})
}

func (s *Server) handleDecisions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"decisions": s.orch.RecentDecisions()})
}

// sinceParam parses ?since= as RFC3339, defaulting to 24h ago.
func sinceParam(c *gin.Context) (time.Time, error) {
	raw := c.Query("since")
	if raw == "" {
		return time.Now().Add(-24 * time.Hour), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid 'since' parameter: %w", err)
	}
	return t, nil
}

func (s *Server) handleTrades(c *gin.Context) {
	since, err := sinceParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.store.TradesSince(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRejections(c *gin.Context) {
	since, err := sinceParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rejections, err := s.store.RejectionsSince(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejections": rejections})
}

func (s *Server) handleEquityHistory(c *gin.Context) {
	since, err := sinceParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snapshots, err := s.store.SnapshotsSince(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (s *Server) handlePerformance(c *gin.Context) {
	snap := s.orch.LastAccountSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"cycle":         snap.CycleNumber,
		"account_value": snap.AccountValue,
		"return_pct":    snap.ReturnPct,
		"sharpe_ratio":  snap.SharpeRatio,
		"btc_price":     snap.BTCPrice,
		"timestamp":     snap.Timestamp,
	})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.register(conn)
	s.log.WithField("clients", s.hub.ClientCount()).Info("dashboard client connected")
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	s.log.WithField("port", s.port).Info("dashboard API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Package httpapi exposes the trade registry and trade entry over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"optionsBot/internal/app"
	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// TradeService is the part of the trade manager the API needs.
type TradeService interface {
	Snapshot() []app.TradeView
	Trade(id int64) (app.TradeView, bool)
	OpenTrade(ctx context.Context, entryOrder *domain.Order, tmpl ports.Template) (*app.ManagedTrade, error)
}

// TemplateLookup resolves a template by name.
type TemplateLookup func(name string) (ports.Template, error)

// Config holds configuration for the status server.
type Config struct {
	Addr          string
	OpenRateLimit rate.Limit // POST /trades requests per second, 0 means 1/s
	Logger        ports.Logger
}

// Server serves the status API.
type Server struct {
	cfg       Config
	logger    ports.Logger
	trades    TradeService
	repo      ports.TradeRepository
	templates TemplateLookup
	limiter   *rate.Limiter
	router    *gin.Engine
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, trades TradeService, repo ports.TradeRepository, templates TemplateLookup) (*Server, error) {
	if cfg.Logger == nil || trades == nil || repo == nil || templates == nil {
		return nil, fmt.Errorf("missing required dependencies for API server")
	}
	limit := cfg.OpenRateLimit
	if limit <= 0 {
		limit = 1
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		trades:    trades,
		repo:      repo,
		templates: templates,
		limiter:   rate.NewLimiter(limit, 1),
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	trades := s.router.Group("/trades")
	{
		trades.GET("", s.listTrades)
		trades.GET("/:id", s.getTrade)
		trades.GET("/:id/transactions", s.listTransactions)
		trades.POST("", s.rateLimit(), s.openTrade)
	}
}

// Run serves until ctx is cancelled and then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Status API listening", map[string]interface{}{"addr": s.cfg.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status API shutdown: %w", err)
	}
	s.logger.Info(ctx, "Status API stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(c.Request.Context(), "HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			failure(c, http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	success(c, http.StatusOK, gin.H{"status": "ok", "trades": len(s.trades.Snapshot())})
}

func (s *Server) listTrades(c *gin.Context) {
	success(c, http.StatusOK, s.trades.Snapshot())
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		failure(c, http.StatusBadRequest, ErrCodeBadRequest, "Invalid trade id")
		return 0, false
	}
	return id, true
}

func (s *Server) getTrade(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	view, found := s.trades.Trade(id)
	if !found {
		failure(c, http.StatusNotFound, ErrCodeNotFound, "Trade not found")
		return
	}
	success(c, http.StatusOK, view)
}

// listTransactions reads from the repository so closed and restarted trades are served too.
func (s *Server) listTransactions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	trade, err := s.repo.GetTrade(ctx, id)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load trade", map[string]interface{}{"tradeID": id})
		handleError(c, err)
		return
	}
	if trade == nil {
		failure(c, http.StatusNotFound, ErrCodeNotFound, "Trade not found")
		return
	}
	txs, err := s.repo.ListTransactions(ctx, id)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to list transactions", map[string]interface{}{"tradeID": id})
		handleError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"trade": newTradeRecord(trade), "transactions": newTransactionRecords(txs)})
}

func (s *Server) openTrade(c *gin.Context) {
	var req OpenTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	order, err := req.Order()
	if err != nil {
		failure(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	tmpl, err := s.templates(req.Template)
	if err != nil {
		handleError(c, err)
		return
	}
	mt, err := s.trades.OpenTrade(c.Request.Context(), order, tmpl)
	if err != nil {
		handleError(c, err)
		return
	}
	success(c, http.StatusCreated, mt.View())
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gridtrade/engine"
	"gridtrade/grid"
	"gridtrade/store"
)

type createStrategyRequest struct {
	Exchange        string  `json:"exchange" binding:"required"`
	Symbol          string  `json:"symbol" binding:"required"`
	GridType        string  `json:"grid_type" binding:"required"`
	Bias            string  `json:"bias" binding:"required"`
	UpperPrice      float64 `json:"upper_price" binding:"required"`
	LowerPrice      float64 `json:"lower_price" binding:"required"`
	GridCount       int     `json:"grid_count" binding:"required"`
	TotalInvestment float64 `json:"total_investment" binding:"required"`
	Leverage        int     `json:"leverage" binding:"required"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
}

// handleCreateStrategy validates and persists a new grid strategy
func (s *Server) handleCreateStrategy(c *gin.Context) {
	userID := c.GetString("user_id")

	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st := &store.GridStrategy{
		OwnerID:         userID,
		Exchange:        req.Exchange,
		Symbol:          req.Symbol,
		GridType:        req.GridType,
		Bias:            req.Bias,
		UpperPrice:      req.UpperPrice,
		LowerPrice:      req.LowerPrice,
		GridCount:       req.GridCount,
		TotalInvestment: req.TotalInvestment,
		Leverage:        req.Leverage,
		StopLossPct:     req.StopLossPct,
		TakeProfitPct:   req.TakeProfitPct,
	}
	if err := s.engine.Create(c.Request.Context(), st); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, st)
}

// handleListStrategies lists the caller's strategies
func (s *Server) handleListStrategies(c *gin.Context) {
	userID := c.GetString("user_id")
	strategies, err := s.store.Strategy().List(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies})
}

// handleGetStrategy returns one strategy with its orders and PnL
func (s *Server) handleGetStrategy(c *gin.Context) {
	st, ok := s.ownedStrategy(c)
	if !ok {
		return
	}

	orders, err := s.store.Order().ListByStrategy(st.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pnl, err := s.store.Order().SumRealizedProfit(st.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"strategy":     st,
		"orders":       orders,
		"realized_pnl": pnl,
	})
}

// handleStartStrategy activates a strategy and puts it under risk watch
func (s *Server) handleStartStrategy(c *gin.Context) {
	st, ok := s.ownedStrategy(c)
	if !ok {
		return
	}

	if err := s.engine.Start(c.Request.Context(), st.ID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if err := s.risk.Watch(st); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "running", "warning": "risk monitor unavailable: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// handleStopStrategy stops a running strategy
func (s *Server) handleStopStrategy(c *gin.Context) {
	st, ok := s.ownedStrategy(c)
	if !ok {
		return
	}

	if err := s.engine.Stop(c.Request.Context(), st.ID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.risk.Unwatch(st.ID)
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleResetStrategy returns a stopped strategy to CREATED
func (s *Server) handleResetStrategy(c *gin.Context) {
	st, ok := s.ownedStrategy(c)
	if !ok {
		return
	}

	if err := s.engine.Reset(st.ID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "created"})
}

// handleDeleteStrategy removes a non-running strategy
func (s *Server) handleDeleteStrategy(c *gin.Context) {
	st, ok := s.ownedStrategy(c)
	if !ok {
		return
	}

	if err := s.engine.Delete(st.ID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.risk.Unwatch(st.ID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ownedStrategy loads the :id strategy and enforces ownership
func (s *Server) ownedStrategy(c *gin.Context) (*store.GridStrategy, bool) {
	userID := c.GetString("user_id")
	st, err := s.store.Strategy().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return nil, false
	}
	if st.OwnerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return nil, false
	}
	return st, true
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case grid.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type exchangeRequest struct {
	ExchangeType string `json:"exchange_type" binding:"required"`
	AccountName  string `json:"account_name"`
	Enabled      bool   `json:"enabled"`
	APIKey       string `json:"api_key"`
	SecretKey    string `json:"secret_key"`
	Testnet      bool   `json:"testnet"`
}

// handleListExchanges lists the caller's exchange accounts with keys masked
func (s *Server) handleListExchanges(c *gin.Context) {
	userID := c.GetString("user_id")
	exchanges, err := s.store.Exchange().List(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, e := range exchanges {
		e.APIKey = maskKey(e.APIKey)
		e.SecretKey = ""
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": exchanges})
}

// handleCreateExchange stores a new exchange account
func (s *Server) handleCreateExchange(c *gin.Context) {
	userID := c.GetString("user_id")

	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.APIKey == "" || req.SecretKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key and secret_key are required"})
		return
	}

	id, err := s.store.Exchange().Create(userID, req.ExchangeType, req.AccountName,
		req.Enabled, req.APIKey, req.SecretKey, req.Testnet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// handleUpdateExchange updates an exchange account; empty keys keep the
// stored credentials
func (s *Server) handleUpdateExchange(c *gin.Context) {
	userID := c.GetString("user_id")

	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.Exchange().Update(userID, c.Param("id"),
		req.Enabled, req.APIKey, req.SecretKey, req.Testnet); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleDeleteExchange removes an exchange account
func (s *Server) handleDeleteExchange(c *gin.Context) {
	userID := c.GetString("user_id")
	if err := s.store.Exchange().Delete(userID, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Package api exposes the HTTP management surface: strategy lifecycle,
// exchange account configuration, health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"gridtrade/engine"
	"gridtrade/logger"
	"gridtrade/risk"
	"gridtrade/store"
)

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	engine     *engine.Manager
	risk       *risk.Monitor
	store      *store.Store
	jwtSecret  []byte
	httpServer *http.Server
	port       int
}

// NewServer creates the API server
func NewServer(eng *engine.Manager, monitor *risk.Monitor, st *store.Store, jwtSecret string, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		engine:    eng,
		risk:      monitor,
		store:     st,
		jwtSecret: []byte(jwtSecret),
		port:      port,
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// setupRoutes registers all routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)

		protected := api.Group("/", s.authMiddleware())
		{
			// Grid strategy management
			protected.GET("/strategies", s.handleListStrategies)
			protected.POST("/strategies", s.handleCreateStrategy)
			protected.GET("/strategies/:id", s.handleGetStrategy)
			protected.POST("/strategies/:id/start", s.handleStartStrategy)
			protected.POST("/strategies/:id/stop", s.handleStopStrategy)
			protected.POST("/strategies/:id/reset", s.handleResetStrategy)
			protected.DELETE("/strategies/:id", s.handleDeleteStrategy)

			// Exchange account configuration
			protected.GET("/exchanges", s.handleListExchanges)
			protected.POST("/exchanges", s.handleCreateExchange)
			protected.PUT("/exchanges/:id", s.handleUpdateExchange)
			protected.DELETE("/exchanges/:id", s.handleDeleteExchange)
		}
	}
}

// authMiddleware JWT authentication middleware
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			c.Abort()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization format"})
			c.Abort()
			return
		}

		userID, err := s.validateToken(tokenParts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

// validateToken parses an HMAC-signed JWT and extracts the user id claim
func (s *Server) validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", fmt.Errorf("missing user_id claim")
	}
	return userID, nil
}

// handleHealth health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Start runs the HTTP server, blocking until shutdown
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	logger.Infof("API server listening on :%d", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

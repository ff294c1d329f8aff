package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// global config instance
var global *Config

// Config holds process-wide settings loaded from the environment (.env).
// Strategy-level parameters live on the strategy rows, not here.
type Config struct {
	// Service
	APIServerPort int
	JWTSecret     string
	DBPath        string
	LogLevel      string

	// Symbol rules cache
	RulesRefreshTTL time.Duration

	// Session pool
	SessionGraceDelay time.Duration

	// Gateway retry policy
	OrderRetryMax     int
	OrderRetryBackoff time.Duration
	HandshakeTimeout  time.Duration

	// Grid allocation policy. The bias split and taper are heuristics,
	// tunable without touching the calculation engine.
	BiasSplit   float64 // favored sub-ladder share for bullish/bearish grids
	BiasTaper   float64 // linear taper applied within a sub-ladder
	RiskLossCap float64 // realized loss fraction of investment that pauses a strategy, 0 disables
}

// Init loads global config from environment variables
func Init() {
	cfg := &Config{
		APIServerPort:     8080,
		DBPath:            "data/gridtrade.db",
		LogLevel:          "info",
		RulesRefreshTTL:   10 * time.Minute,
		SessionGraceDelay: 5 * time.Second,
		OrderRetryMax:     3,
		OrderRetryBackoff: 500 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		BiasSplit:         0.65,
		BiasTaper:         0.20,
		RiskLossCap:       0,
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-jwt-secret-change-in-production"
	}

	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("RULES_REFRESH_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RulesRefreshTTL = d
		}
	}
	if v := os.Getenv("SESSION_GRACE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.SessionGraceDelay = d
		}
	}
	if v := os.Getenv("ORDER_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.OrderRetryMax = n
		}
	}
	if v := os.Getenv("ORDER_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.OrderRetryBackoff = d
		}
	}
	if v := os.Getenv("HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("GRID_BIAS_SPLIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0.5 && f < 1 {
			cfg.BiasSplit = f
		}
	}
	if v := os.Getenv("GRID_BIAS_TAPER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			cfg.BiasTaper = f
		}
	}
	if v := os.Getenv("RISK_LOSS_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.RiskLossCap = f
		}
	}

	global = cfg
}

// Get returns the global config, initializing it on first use
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

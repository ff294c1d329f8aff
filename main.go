package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridtrade/api"
	"gridtrade/config"
	"gridtrade/crypto"
	"gridtrade/dispatch"
	"gridtrade/engine"
	"gridtrade/gateway"
	"gridtrade/grid"
	"gridtrade/logger"
	"gridtrade/market"
	"gridtrade/risk"
	"gridtrade/rules"
	"gridtrade/session"
	"gridtrade/store"
)

func main() {
	godotenv.Load()

	cfg := config.Get()
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("starting gridtrade")

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Errorf("store init failed: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	cryptoService, err := crypto.NewService()
	if err != nil {
		logger.Errorf("crypto init failed: %v", err)
		os.Exit(1)
	}
	st.SetCryptoFuncs(
		func(v string) string {
			enc, err := cryptoService.EncryptForStorage(v)
			if err != nil {
				logger.Errorf("credential encryption failed: %v", err)
				return v
			}
			return enc
		},
		func(v string) string {
			if !cryptoService.IsEncryptedStorageValue(v) {
				return v
			}
			dec, err := cryptoService.DecryptFromStorage(v)
			if err != nil {
				logger.Errorf("credential decryption failed: %v", err)
				return ""
			}
			return dec
		},
	)

	binanceGW := gateway.NewBinanceGateway()
	binanceGW.HandshakeTimeout = cfg.HandshakeTimeout
	gateways := map[string]gateway.Gateway{"binance": binanceGW}

	rulesCache := rules.NewCache(
		map[string]rules.Fetcher{"binance": binanceGW},
		st.Rules(), cfg.RulesRefreshTTL)

	pool := session.NewPool(gateways, &storeCredentials{store: st}, cfg.SessionGraceDelay)
	defer pool.Close()

	manager := engine.NewManager(st, pool, rulesCache, engine.Config{
		RetryMax:     cfg.OrderRetryMax,
		RetryBackoff: cfg.OrderRetryBackoff,
		Allocation:   grid.AllocationPolicy{Split: cfg.BiasSplit, Taper: cfg.BiasTaper},
	})
	dispatcher := dispatch.New(manager)
	manager.SetDispatcher(dispatcher)
	defer dispatcher.Close()

	feed := market.NewBinanceFeed()
	defer feed.Close()

	monitor := risk.NewMonitor(st, feed, manager, cfg.RiskLossCap)
	defer monitor.Close()
	manager.SetLadderExhaustedFunc(monitor.OnLadderExhausted)
	manager.SetStoppedFunc(monitor.Unwatch)

	// pick up strategies that were running before the last shutdown
	restoreCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := manager.Restore(restoreCtx); err != nil {
		logger.Errorf("restore failed: %v", err)
	}
	cancel()
	if running, err := st.Strategy().ListByStatus(store.StatusRunning); err == nil {
		for _, s := range running {
			if err := monitor.Watch(s); err != nil {
				logger.Warnf("cannot watch restored strategy %s: %v", s.ID, err)
			}
		}
	}

	server := api.NewServer(manager, monitor, st, cfg.JWTSecret, cfg.APIServerPort)
	go func() {
		if err := server.Start(); err != nil {
			logger.Infof("API server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("shutting down")
	server.Shutdown()
	manager.Shutdown()
}

// storeCredentials resolves session credentials from the encrypted exchange
// accounts in the store.
type storeCredentials struct {
	store *store.Store
}

func (c *storeCredentials) Credentials(userID, exchange string) (gateway.Credentials, error) {
	acct, err := c.store.Exchange().GetEnabled(userID, exchange)
	if err != nil {
		return gateway.Credentials{}, err
	}
	if acct == nil {
		return gateway.Credentials{}, fmt.Errorf("no enabled %s account for user %s", exchange, userID)
	}
	return gateway.Credentials{
		UserID:    userID,
		Exchange:  exchange,
		APIKey:    acct.APIKey,
		SecretKey: acct.SecretKey,
		Testnet:   acct.Testnet,
	}, nil
}

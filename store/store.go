// Package store provides the unified database storage layer.
// All database operations go through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"gridtrade/logger"
)

// Store unified data storage
type Store struct {
	db *sql.DB

	// Sub-stores (lazy initialization)
	strategy *StrategyStore
	order    *OrderStore
	rules    *RulesStore
	exchange *ExchangeStore

	// Encryption functions for credential columns
	encryptFunc func(string) string
	decryptFunc func(string) string

	mu sync.RWMutex
}

// New creates a Store backed by a SQLite database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite is single-writer; serialize through one connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("database initialized: %s", dbPath)
	return s, nil
}

// SetCryptoFuncs sets encryption/decryption functions for credential columns
func (s *Store) SetCryptoFuncs(encrypt, decrypt func(string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptFunc = encrypt
	s.decryptFunc = decrypt

	if s.exchange != nil {
		s.exchange.encryptFunc = encrypt
		s.exchange.decryptFunc = decrypt
	}
}

// initTables initializes all database tables in dependency order
func (s *Store) initTables() error {
	if err := s.Exchange().initTables(); err != nil {
		return fmt.Errorf("failed to initialize exchange tables: %w", err)
	}
	if err := s.Strategy().initTables(); err != nil {
		return fmt.Errorf("failed to initialize strategy tables: %w", err)
	}
	if err := s.Order().initTables(); err != nil {
		return fmt.Errorf("failed to initialize order tables: %w", err)
	}
	if err := s.Rules().initTables(); err != nil {
		return fmt.Errorf("failed to initialize symbol rules tables: %w", err)
	}
	return nil
}

// Strategy gets grid strategy storage
func (s *Store) Strategy() *StrategyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == nil {
		s.strategy = &StrategyStore{db: s.db}
	}
	return s.strategy
}

// Order gets grid order storage
func (s *Store) Order() *OrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = &OrderStore{db: s.db}
	}
	return s.order
}

// Rules gets symbol rules storage
func (s *Store) Rules() *RulesStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules == nil {
		s.rules = &RulesStore{db: s.db}
	}
	return s.rules
}

// Exchange gets exchange credential storage
func (s *Store) Exchange() *ExchangeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchange == nil {
		s.exchange = &ExchangeStore{
			db:          s.db,
			encryptFunc: s.encryptFunc,
			decryptFunc: s.decryptFunc,
		}
	}
	return s.exchange
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction executes fn inside a transaction, rolling back on error
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

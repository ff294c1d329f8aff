package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gridtrade/logger"
)

// ExchangeStore exchange credential storage
type ExchangeStore struct {
	db          *sql.DB
	encryptFunc func(string) string
	decryptFunc func(string) string
}

// Exchange is one exchange account bound to a user. API credentials are
// encrypted at rest and decrypted transparently on read.
type Exchange struct {
	ID           string    `json:"id"` // UUID
	UserID       string    `json:"user_id"`
	ExchangeType string    `json:"exchange_type"` // "binance"
	AccountName  string    `json:"account_name"`
	Enabled      bool      `json:"enabled"`
	APIKey       string    `json:"apiKey"`
	SecretKey    string    `json:"secretKey"`
	Testnet      bool      `json:"testnet"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *ExchangeStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange_type TEXT NOT NULL DEFAULT 'binance',
			account_name TEXT NOT NULL DEFAULT 'Default',
			enabled BOOLEAN DEFAULT 0,
			api_key TEXT DEFAULT '',
			secret_key TEXT DEFAULT '',
			testnet BOOLEAN DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_exchanges_user ON exchanges(user_id)`)
	return err
}

func (s *ExchangeStore) encrypt(plaintext string) string {
	if s.encryptFunc != nil {
		return s.encryptFunc(plaintext)
	}
	return plaintext
}

func (s *ExchangeStore) decrypt(encrypted string) string {
	if s.decryptFunc != nil {
		return s.decryptFunc(encrypted)
	}
	return encrypted
}

// Create stores a new exchange account and returns its id
func (s *ExchangeStore) Create(userID, exchangeType, accountName string, enabled bool,
	apiKey, secretKey string, testnet bool) (string, error) {

	id := uuid.New().String()
	if accountName == "" {
		accountName = "Default"
	}

	_, err := s.db.Exec(`
		INSERT INTO exchanges (id, user_id, exchange_type, account_name, enabled,
			api_key, secret_key, testnet, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
	`, id, userID, exchangeType, accountName, enabled,
		s.encrypt(apiKey), s.encrypt(secretKey), testnet)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByID gets a specific exchange account
func (s *ExchangeStore) GetByID(userID, id string) (*Exchange, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, exchange_type, account_name, enabled,
			api_key, secret_key, testnet, created_at, updated_at
		FROM exchanges WHERE id = ? AND user_id = ?
	`, id, userID)
	return s.scanExchange(row)
}

// GetEnabled returns the user's enabled account for an exchange type,
// or nil when the user has not configured one.
func (s *ExchangeStore) GetEnabled(userID, exchangeType string) (*Exchange, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, exchange_type, account_name, enabled,
			api_key, secret_key, testnet, created_at, updated_at
		FROM exchanges WHERE user_id = ? AND exchange_type = ? AND enabled = 1
		ORDER BY updated_at DESC LIMIT 1
	`, userID, exchangeType)
	e, err := s.scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// List gets user's exchange accounts
func (s *ExchangeStore) List(userID string) ([]*Exchange, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, exchange_type, account_name, enabled,
			api_key, secret_key, testnet, created_at, updated_at
		FROM exchanges WHERE user_id = ? ORDER BY exchange_type, account_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exchanges := make([]*Exchange, 0)
	for rows.Next() {
		e, err := s.scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}

// Update updates credentials and flags. Empty key fields keep the stored value.
func (s *ExchangeStore) Update(userID, id string, enabled bool, apiKey, secretKey string, testnet bool) error {
	query := `UPDATE exchanges SET enabled = ?, testnet = ?, updated_at = datetime('now')`
	args := []interface{}{enabled, testnet}

	if apiKey != "" {
		query += `, api_key = ?`
		args = append(args, s.encrypt(apiKey))
	}
	if secretKey != "" {
		query += `, secret_key = ?`
		args = append(args, s.encrypt(secretKey))
	}
	query += ` WHERE id = ? AND user_id = ?`
	args = append(args, id, userID)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("exchange not found: id=%s, userID=%s", id, userID)
	}
	return nil
}

// Delete deletes an exchange account
func (s *ExchangeStore) Delete(userID, id string) error {
	result, err := s.db.Exec(`DELETE FROM exchanges WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("exchange not found: id=%s, userID=%s", id, userID)
	}
	logger.Infof("deleted exchange account: id=%s, userID=%s", id, userID)
	return nil
}

func (s *ExchangeStore) scanExchange(row rowScanner) (*Exchange, error) {
	var e Exchange
	err := row.Scan(&e.ID, &e.UserID, &e.ExchangeType, &e.AccountName, &e.Enabled,
		&e.APIKey, &e.SecretKey, &e.Testnet, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.APIKey = s.decrypt(e.APIKey)
	e.SecretKey = s.decrypt(e.SecretKey)
	return &e, nil
}

// Package gateway defines the order-entry surface of an exchange: an
// authenticated duplex session that places and cancels orders and pushes
// execution updates back.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// Credentials are the decrypted API credentials of one exchange account
type Credentials struct {
	UserID    string
	Exchange  string
	APIKey    string
	SecretKey string
	Testnet   bool
}

// OrderRequest is a tagged order submission. Exactly the fields the intent
// type needs are set; StopPrice is only used for STOP_LIMIT.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY | SELL
	Type          string // LIMIT | STOP_LIMIT | MARKET
	Price         string // decimal string, already rounded to the symbol's precision
	StopPrice     string
	Quantity      string
	ClientOrderID string // correlation id, unique per logical placement
}

// OrderAck is the exchange's synchronous answer to a placement
type OrderAck struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          string
}

// Update kinds pushed over a session's update channel.
const (
	UpdateFill     = "FILL"
	UpdateCancel   = "CANCEL"
	UpdateReject   = "REJECT"
	UpdateDegraded = "DEGRADED" // connectivity lost, reconnecting
	UpdateRestored = "RESTORED" // connectivity back
)

// OrderUpdate is an asynchronous execution event
type OrderUpdate struct {
	Kind            string
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            string
	FilledPrice     string
	FilledQuantity  string
	EventTime       time.Time
}

// Session is one authenticated duplex order-entry channel. Implementations
// must be safe for concurrent use.
type Session interface {
	// PlaceOrder submits an order and waits for the ack. Resubmitting the
	// same ClientOrderID returns the original ack instead of a new order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// CancelOrder cancels by correlation id. Canceling an already terminal
	// order is not an error.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error

	// Updates returns the push channel for execution events. The channel is
	// closed when the session closes.
	Updates() <-chan OrderUpdate

	// Close tears down the channel and releases exchange-side resources
	Close() error
}

// Gateway opens authenticated sessions against one exchange
type Gateway interface {
	// Authenticate performs the signed handshake and returns a live session.
	// A failure is permanent (bad credentials) or transient (connectivity);
	// callers distinguish via errors.As on AuthError / ConnError.
	Authenticate(ctx context.Context, creds Credentials) (Session, error)

	// MarkPrice returns the current mark price for a symbol
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// AuthError is a permanent authentication failure. Retrying with the same
// credentials cannot succeed.
type AuthError struct {
	Exchange string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Exchange, e.Reason)
}

// ConnError is a transient connectivity failure
type ConnError struct {
	Exchange string
	Err      error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s connection error: %v", e.Exchange, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// RejectError is an exchange-side order rejection carried in an ack
type RejectError struct {
	ClientOrderID string
	Reason        string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.ClientOrderID, e.Reason)
}

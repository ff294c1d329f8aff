// Package session pools authenticated exchange sessions so every strategy of
// one user on one exchange shares a single order-entry channel.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridtrade/gateway"
	"gridtrade/logger"
)

// Key identifies one pooled session
type Key struct {
	UserID   string
	Exchange string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.UserID, k.Exchange)
}

// CredentialSource resolves the decrypted API credentials for a key
type CredentialSource interface {
	Credentials(userID, exchange string) (gateway.Credentials, error)
}

// Pool refcounts sessions per (user, exchange). A session opens lazily on the
// first attach and closes after a grace delay once the last strategy detaches,
// so a stop-then-start cycle does not thrash the handshake.
type Pool struct {
	gateways   map[string]gateway.Gateway // exchange name -> gateway
	creds      CredentialSource
	graceDelay time.Duration

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

type entry struct {
	session    gateway.Session
	refs       int
	closeTimer *time.Timer
}

// NewPool creates a pool over the given per-exchange gateways
func NewPool(gateways map[string]gateway.Gateway, creds CredentialSource, graceDelay time.Duration) *Pool {
	return &Pool{
		gateways:   gateways,
		creds:      creds,
		graceDelay: graceDelay,
		entries:    make(map[Key]*entry),
	}
}

// GatewayFor returns the gateway serving one exchange, or nil
func (p *Pool) GatewayFor(exchange string) gateway.Gateway {
	return p.gateways[exchange]
}

// Attach acquires the pooled session for key, opening it if necessary.
// Every successful Attach must be paired with exactly one Detach.
func (p *Pool) Attach(ctx context.Context, key Key) (gateway.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("session pool is shut down")
	}

	if e, ok := p.entries[key]; ok {
		// a pending grace close is cancelled by a new attach
		if e.closeTimer != nil {
			e.closeTimer.Stop()
			e.closeTimer = nil
		}
		e.refs++
		p.mu.Unlock()
		return e.session, nil
	}
	p.mu.Unlock()

	gw, ok := p.gateways[key.Exchange]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange %q", key.Exchange)
	}
	creds, err := p.creds.Credentials(key.UserID, key.Exchange)
	if err != nil {
		return nil, err
	}

	sess, err := gw.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sess.Close()
		return nil, fmt.Errorf("session pool is shut down")
	}
	// another goroutine may have won the race while we authenticated
	if e, ok := p.entries[key]; ok {
		sess.Close()
		if e.closeTimer != nil {
			e.closeTimer.Stop()
			e.closeTimer = nil
		}
		e.refs++
		return e.session, nil
	}

	p.entries[key] = &entry{session: sess, refs: 1}
	logger.Infof("[Session] opened %s", key)
	return sess, nil
}

// Detach releases one reference. When the count reaches zero the session
// stays open for the grace delay, then closes unless re-attached.
func (p *Pool) Detach(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.refs < 0 {
		logger.Warnf("[Session] detach without matching attach for %s", key)
		e.refs = 0
	}

	if p.graceDelay <= 0 {
		p.closeLocked(key, e)
		return
	}
	e.closeTimer = time.AfterFunc(p.graceDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		cur, ok := p.entries[key]
		if !ok || cur != e || cur.refs > 0 {
			return
		}
		p.closeLocked(key, cur)
	})
}

// Teardown force-closes a session regardless of refcount, used when the
// exchange reports an irrecoverable authentication failure.
func (p *Pool) Teardown(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		logger.Warnf("[Session] tearing down %s with %d attached", key, e.refs)
		p.closeLocked(key, e)
	}
}

// Refs reports the current reference count for a key
func (p *Pool) Refs(key Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Open reports whether a session currently exists for key
func (p *Pool) Open(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Close shuts the pool and every live session
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, e := range p.entries {
		p.closeLocked(key, e)
	}
}

func (p *Pool) closeLocked(key Key, e *entry) {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
	}
	e.session.Close()
	delete(p.entries, key)
	logger.Infof("[Session] closed %s", key)
}

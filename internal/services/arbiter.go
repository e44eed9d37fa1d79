package services

import (
	"context"
	"sync"
)

// Arbiter serializes state-changing operations per auction. Each auction owns a token; a
// caller holds it for the whole of its operation and waiters on the same auction are released
// in arrival order. Tokens for different auctions are independent.
type Arbiter struct {
	mu     sync.Mutex
	tokens map[string]*token
}

type token struct {
	ch   chan struct{}
	refs int
}

func NewArbiter() *Arbiter {
	return &Arbiter{tokens: make(map[string]*token)}
}

// Do runs fn while holding the token of auctionID. It returns ctx.Err() if the context ends
// before the token is obtained.
func (a *Arbiter) Do(ctx context.Context, auctionID string, fn func(ctx context.Context) error) error {
	t := a.acquireRef(auctionID)

	select {
	case t.ch <- struct{}{}:
	case <-ctx.Done():
		a.releaseRef(auctionID, t)
		return ctx.Err()
	}

	defer func() {
		<-t.ch
		a.releaseRef(auctionID, t)
	}()

	return fn(ctx)
}

// Active returns the number of auctions that currently have a holder or waiter.
func (a *Arbiter) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tokens)
}

func (a *Arbiter) acquireRef(auctionID string) *token {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tokens[auctionID]
	if !ok {
		t = &token{ch: make(chan struct{}, 1)}
		a.tokens[auctionID] = t
	}
	t.refs++
	return t
}

func (a *Arbiter) releaseRef(auctionID string, t *token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t.refs--
	if t.refs == 0 {
		delete(a.tokens, auctionID)
	}
}

package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/infrastructure/memory"
	"auction-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.AuctionEvent
}

func (p *recordingPublisher) Enqueue(ctx context.Context, events ...domain.AuctionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) ofType(t domain.EventType) []domain.AuctionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.AuctionEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type engineFixture struct {
	engine    *Engine
	store     *memory.Store
	cache     *memory.SnapshotCache
	publisher *recordingPublisher
	clock     *fakeClock
	machine   *StateMachine
	listings  int64
}

var testPolicy = AuctionPolicy{
	ExtensionWindow: 60 * time.Second,
	ExtensionDelta:  120 * time.Second,
	MaxExtensions:   10,
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := memory.NewStore()
	return newEngineFixtureWith(store, store, store)
}

// newEngineFixtureWith lets a test wrap the auction repository or the ledger of store.
func newEngineFixtureWith(store *memory.Store, auctions domain.AuctionRepository, ledger domain.BidLedger) *engineFixture {
	clock := newFakeClock(testStart)
	cache := memory.NewSnapshotCache()
	publisher := &recordingPublisher{}
	machine := NewStateMachine(NewIncrementRules(nil))
	log := logger.NewNop()

	projection := NewProjection(auctions, ledger, cache, memory.NewBidderDirectory(
		domain.Bidder{ID: "alice", Name: "Alice"},
	), machine, log)

	engine := NewEngine(auctions, ledger, machine, NewArbiter(), projection, publisher, EngineConfig{
		Policy:         testPolicy,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	}, log)
	engine.SetClock(clock.Now)

	return &engineFixture{
		engine:    engine,
		store:     store,
		cache:     cache,
		publisher: publisher,
		clock:     clock,
		machine:   machine,
	}
}

func (f *engineFixture) createAuction(t *testing.T, startPrice, minIncrement int64, duration time.Duration) *domain.AuctionView {
	t.Helper()
	view, err := f.engine.CreateAuction(context.Background(), CreateAuctionRequest{
		ListingID:    fmt.Sprintf("listing-%d", atomic.AddInt64(&f.listings, 1)),
		SellerID:     "seller",
		StartPrice:   decimal.NewFromInt(startPrice),
		MinIncrement: decimal.NewFromInt(minIncrement),
		EndAt:        f.clock.Now().Add(duration),
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return view
}

func (f *engineFixture) bid(auctionID, bidderID string, amount int64, key string) (*BidOutcome, error) {
	return f.engine.PlaceBid(context.Background(), PlaceBidRequest{
		AuctionID:      auctionID,
		BidderID:       bidderID,
		Amount:         decimal.NewFromInt(amount),
		IdempotencyKey: key,
	})
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func newTestAuction(state domain.AuctionState) *domain.Auction {
	return &domain.Auction{
		ID:              "auction-1",
		ListingID:       "listing-1",
		SellerID:        "seller",
		StartPrice:      dec(1000),
		MinIncrement:    dec(50),
		StartAt:         testStart,
		EndAt:           testStart.Add(time.Hour),
		ExtensionWindow: testPolicy.ExtensionWindow,
		ExtensionDelta:  testPolicy.ExtensionDelta,
		MaxExtensions:   testPolicy.MaxExtensions,
		State:           state,
		Version:         1,
	}
}

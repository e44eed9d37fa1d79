package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"auction-engine/internal/domain"
)

// Store keeps auctions and their bid ledger in process memory. It implements both
// domain.AuctionRepository and domain.BidLedger so a bid and its auction commit together.
type Store struct {
	mu       sync.RWMutex
	auctions map[string]*domain.Auction
	bids     map[string][]*domain.Bid
	keys     map[string]map[string]*domain.Bid
	listings map[string]string // listingID -> auctionID
}

func NewStore() *Store {
	return &Store{
		auctions: make(map[string]*domain.Auction),
		bids:     make(map[string][]*domain.Bid),
		keys:     make(map[string]map[string]*domain.Bid),
		listings: make(map[string]string),
	}
}

func (s *Store) CreateAuction(ctx context.Context, auction *domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[auction.ID]; exists {
		return fmt.Errorf("auction %s already exists: %w", auction.ID, domain.ErrConflict)
	}
	if existing, taken := s.listings[auction.ListingID]; taken {
		return fmt.Errorf("listing %s already has auction %s: %w", auction.ListingID, existing, domain.ErrConflict)
	}
	s.auctions[auction.ID] = auction.Clone()
	s.listings[auction.ListingID] = auction.ID
	return nil
}

func (s *Store) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	return a.Clone(), nil
}

func (s *Store) UpdateAuction(ctx context.Context, auction *domain.Auction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap(auction, expectedVersion)
}

func (s *Store) ListLive(ctx context.Context) ([]*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := make([]*domain.Auction, 0)
	for _, a := range s.auctions {
		if a.State.Live() {
			live = append(live, a.Clone())
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

func (s *Store) Append(ctx context.Context, bid *domain.Bid, commit *domain.Auction, expectedVersion int64) (*domain.Bid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.keys[bid.AuctionID][bid.IdempotencyKey]; ok {
		c := *prior
		return &c, false, nil
	}
	if _, ok := s.auctions[bid.AuctionID]; !ok {
		return nil, false, domain.ErrAuctionNotFound
	}
	if commit != nil {
		if err := s.swap(commit, expectedVersion); err != nil {
			return nil, false, err
		}
	}

	recorded := *bid
	recorded.SequenceNumber = int64(len(s.bids[bid.AuctionID]) + 1)
	stored := recorded
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], &stored)
	if s.keys[bid.AuctionID] == nil {
		s.keys[bid.AuctionID] = make(map[string]*domain.Bid)
	}
	s.keys[bid.AuctionID][bid.IdempotencyKey] = &stored
	return &recorded, true, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, auctionID, key string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bid, ok := s.keys[auctionID][key]
	if !ok {
		return nil, domain.ErrBidNotFound
	}
	c := *bid
	return &c, nil
}

func (s *Store) HighestAccepted(ctx context.Context, auctionID string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Bid
	for _, bid := range s.bids[auctionID] {
		if !bid.Accepted() {
			continue
		}
		if best == nil || bid.Amount.GreaterThan(best.Amount) {
			best = bid
		}
	}
	if best == nil {
		return nil, domain.ErrBidNotFound
	}
	c := *best
	return &c, nil
}

func (s *Store) History(ctx context.Context, auctionID string) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]*domain.Bid, 0, len(s.bids[auctionID]))
	for _, bid := range s.bids[auctionID] {
		c := *bid
		history = append(history, &c)
	}
	return history, nil
}

// swap must be called with mu held.
func (s *Store) swap(auction *domain.Auction, expectedVersion int64) error {
	current, ok := s.auctions[auction.ID]
	if !ok {
		return domain.ErrAuctionNotFound
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("auction %s at version %d, expected %d: %w",
			auction.ID, current.Version, expectedVersion, domain.ErrConcurrentUpdate)
	}
	s.auctions[auction.ID] = auction.Clone()
	return nil
}

package services

import (
	"context"
	"errors"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	fallbackName   = "User"
)

// Projection maintains the read model clients poll. Every committed mutation refreshes the
// snapshot cache; reads never take an arbiter token.
type Projection struct {
	auctions domain.AuctionRepository
	ledger   domain.BidLedger
	cache    domain.SnapshotCache
	bidders  domain.BidderDirectory
	machine  *StateMachine
	log      logger.Logger
}

// NewProjection builds a projection. auctions and ledger may be nil on a read replica, in which
// case a cache miss is reported as not found.
func NewProjection(
	auctions domain.AuctionRepository,
	ledger domain.BidLedger,
	cache domain.SnapshotCache,
	bidders domain.BidderDirectory,
	machine *StateMachine,
	log logger.Logger,
) *Projection {
	return &Projection{
		auctions: auctions,
		ledger:   ledger,
		cache:    cache,
		bidders:  bidders,
		machine:  machine,
		log:      log,
	}
}

func (p *Projection) View(a *domain.Auction) *domain.AuctionView {
	view := &domain.AuctionView{
		AuctionID:      a.ID,
		ListingID:      a.ListingID,
		State:          a.State,
		StartPrice:     a.StartPrice,
		MinNextBid:     p.machine.MinNextBid(a),
		BidCount:       a.BidCount,
		BidEndAt:       a.EndAt,
		ExtensionCount: a.ExtensionCount,
		WinnerID:       a.WinnerID,
		Version:        a.Version,
	}
	if a.CurrentHighestBid != nil {
		current := *a.CurrentHighestBid
		view.CurrentBid = &current
	}
	return view
}

// Build derives the snapshot of a from the ledger.
func (p *Projection) Build(ctx context.Context, a *domain.Auction) (*domain.AuctionSnapshot, error) {
	history, err := p.ledger.History(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	bidders := make(map[string]domain.Bidder)
	bids := make([]domain.BidView, 0, a.BidCount)
	for i := len(history) - 1; i >= 0; i-- {
		bid := history[i]
		if !bid.Accepted() {
			continue
		}
		bidder, ok := bidders[bid.BidderID]
		if !ok {
			bidder = p.lookup(ctx, bid.BidderID)
			bidders[bid.BidderID] = bidder
		}
		bids = append(bids, domain.BidView{
			ID:        bid.ID,
			Amount:    bid.Amount,
			Bidder:    bidder,
			CreatedAt: bid.CreatedAt,
			IsWinning: p.machine.IsWinning(a, bid),
		})
	}

	return &domain.AuctionSnapshot{
		Auction: *p.View(a),
		Bids:    bids,
	}, nil
}

// Refresh rebuilds and stores the snapshot of a committed auction. On failure the cached
// snapshot is dropped so the next read rebuilds it from storage.
func (p *Projection) Refresh(ctx context.Context, a *domain.Auction) {
	snapshot, err := p.Build(ctx, a)
	if err == nil {
		err = p.cache.StoreSnapshot(ctx, snapshot)
	}
	if err == nil {
		return
	}

	p.log.Error("Failed to refresh auction snapshot", "auction_id", a.ID, "version", a.Version, "error", err)
	if err := p.cache.DeleteSnapshot(ctx, a.ID); err != nil {
		p.log.Error("Failed to invalidate auction snapshot", "auction_id", a.ID, "error", err)
	}
}

// Snapshot returns the latest committed snapshot, rebuilding it on a cache miss.
func (p *Projection) Snapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	snapshot, err := p.cache.GetSnapshot(ctx, auctionID)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		p.log.Warn("Snapshot cache read failed, rebuilding", "auction_id", auctionID, "error", err)
	}
	if p.auctions == nil || p.ledger == nil {
		return nil, domain.ErrAuctionNotFound
	}

	auction, err := p.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	snapshot, err = p.Build(ctx, auction)
	if err != nil {
		return nil, err
	}
	if err := p.cache.StoreSnapshot(ctx, snapshot); err != nil {
		p.log.Warn("Failed to store rebuilt snapshot", "auction_id", auctionID, "error", err)
	}
	return snapshot, nil
}

func (p *Projection) State(ctx context.Context, auctionID string) (*domain.AuctionView, error) {
	snapshot, err := p.Snapshot(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	view := snapshot.Auction
	return &view, nil
}

// Bids returns one page of accepted bids, newest first. page starts at 1.
func (p *Projection) Bids(ctx context.Context, auctionID string, page, perPage int) (*domain.BidPage, error) {
	snapshot, err := p.Snapshot(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return Paginate(snapshot.Bids, page, perPage), nil
}

// Paginate slices bids into the page envelope the client expects.
func Paginate(bids []domain.BidView, page, perPage int) *domain.BidPage {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page < 1 {
		page = 1
	}

	total := len(bids)
	lastPage := (total + perPage - 1) / perPage
	if lastPage < 1 {
		lastPage = 1
	}

	data := []domain.BidView{}
	if from := (page - 1) * perPage; from < total {
		to := from + perPage
		if to > total {
			to = total
		}
		data = append(data, bids[from:to]...)
	}

	return &domain.BidPage{
		Data:        data,
		CurrentPage: page,
		LastPage:    lastPage,
		Total:       total,
	}
}

func (p *Projection) lookup(ctx context.Context, bidderID string) domain.Bidder {
	if p.bidders != nil {
		bidder, err := p.bidders.Lookup(ctx, bidderID)
		if err == nil {
			if bidder.Name == "" {
				bidder.Name = fallbackName
			}
			bidder.ID = bidderID
			return bidder
		}
		p.log.Debug("Bidder lookup failed", "bidder_id", bidderID, "error", err)
	}
	return domain.Bidder{ID: bidderID, Name: fallbackName}
}

package memory

import (
	"context"
	"sync"

	"auction-engine/internal/domain"
)

// BidderDirectory is a fixed lookup table of bidder display information.
type BidderDirectory struct {
	mu      sync.RWMutex
	bidders map[string]domain.Bidder
}

func NewBidderDirectory(bidders ...domain.Bidder) *BidderDirectory {
	d := &BidderDirectory{bidders: make(map[string]domain.Bidder, len(bidders))}
	for _, b := range bidders {
		d.bidders[b.ID] = b
	}
	return d
}

func (d *BidderDirectory) Put(bidder domain.Bidder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bidders[bidder.ID] = bidder
}

func (d *BidderDirectory) Lookup(ctx context.Context, bidderID string) (domain.Bidder, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.bidders[bidderID]
	if !ok {
		return domain.Bidder{}, domain.ErrNotFound
	}
	return b, nil
}

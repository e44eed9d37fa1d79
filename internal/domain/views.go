package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionView is the read model exposed to browsing, polling and websocket clients.
type AuctionView struct {
	AuctionID      string           `json:"auction_id"`
	ListingID      string           `json:"listing_id"`
	State          AuctionState     `json:"state"`
	StartPrice     decimal.Decimal  `json:"start_price"`
	CurrentBid     *decimal.Decimal `json:"current_bid"`
	MinNextBid     decimal.Decimal  `json:"min_next_bid"`
	BidCount       int              `json:"bid_count"`
	BidEndAt       time.Time        `json:"bid_end_at"`
	ExtensionCount int              `json:"extension_count"`
	WinnerID       string           `json:"winner_id,omitempty"`
	Version        int64            `json:"version"`
}

type BidView struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Bidder    Bidder          `json:"user"`
	CreatedAt time.Time       `json:"created_at"`
	IsWinning bool            `json:"is_winning"`
}

// AuctionSnapshot is one committed version of an auction with its accepted bids, newest first.
type AuctionSnapshot struct {
	Auction AuctionView `json:"auction"`
	Bids    []BidView   `json:"bids"`
}

// BidPage mirrors the paginated envelope the marketplace client consumes.
type BidPage struct {
	Data        []BidView `json:"data"`
	CurrentPage int       `json:"current_page"`
	LastPage    int       `json:"last_page"`
	Total       int       `json:"total"`
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Auction struct {
	ID        string
	ListingID string
	SellerID  string

	StartPrice   decimal.Decimal
	MinIncrement decimal.Decimal

	// CurrentHighestBid stays nil until the first bid is accepted.
	CurrentHighestBid *decimal.Decimal
	HighestBidderID   string
	HighestBidID      string
	BidCount          int

	StartAt        time.Time
	EndAt          time.Time
	ExtensionCount int

	ExtensionWindow time.Duration
	ExtensionDelta  time.Duration
	MaxExtensions   int

	State   AuctionState
	Version int64

	WinnerID     string
	WinningBidID string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Clone returns a deep copy so callers can mutate a draft without touching committed state.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	c := *a
	if a.CurrentHighestBid != nil {
		v := *a.CurrentHighestBid
		c.CurrentHighestBid = &v
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Floor is the amount the next bid is measured against.
func (a *Auction) Floor() decimal.Decimal {
	if a.CurrentHighestBid != nil {
		return *a.CurrentHighestBid
	}
	return a.StartPrice
}

func (a *Auction) HasBids() bool {
	return a.CurrentHighestBid != nil
}

type AuctionState string

const (
	AuctionScheduled   AuctionState = "scheduled"
	AuctionOpen        AuctionState = "open"
	AuctionClosingSoon AuctionState = "closing_soon"
	AuctionClosed      AuctionState = "closed"
	AuctionSettled     AuctionState = "settled"
	AuctionCancelled   AuctionState = "cancelled"
)

func (s AuctionState) String() string {
	return string(s)
}

// AcceptsBids reports whether bids may be placed in this state.
func (s AuctionState) AcceptsBids() bool {
	return s == AuctionOpen || s == AuctionClosingSoon
}

// Live reports whether the auction still has a pending timer transition.
func (s AuctionState) Live() bool {
	return s == AuctionScheduled || s == AuctionOpen || s == AuctionClosingSoon
}

func (s AuctionState) Valid() bool {
	switch s {
	case AuctionScheduled, AuctionOpen, AuctionClosingSoon, AuctionClosed, AuctionSettled, AuctionCancelled:
		return true
	}
	return false
}

type Bid struct {
	ID             string          `json:"id"`
	AuctionID      string          `json:"auction_id"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	SequenceNumber int64           `json:"sequence_number"`
	Status         BidStatus       `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	AcceptedAt     *time.Time      `json:"accepted_at,omitempty"`

	// The auction as the bidder saw it once this attempt was decided. Replays answer with it.
	Outcome BidOutcomeRecord `json:"-"`
}

type BidOutcomeRecord struct {
	CurrentBid     *decimal.Decimal
	BidEndAt       time.Time
	MinNextBid     decimal.Decimal
	AuctionVersion int64
}

func (b *Bid) Accepted() bool {
	return b.Status == BidAccepted
}

// SamePayload reports whether a replayed submission carries the same bidder and amount.
func (b *Bid) SamePayload(bidderID string, amount decimal.Decimal) bool {
	return b.BidderID == bidderID && b.Amount.Equal(amount)
}

type BidStatus string

const (
	BidAccepted       BidStatus = "accepted"
	BidRejectedLow    BidStatus = "rejected_low"
	BidRejectedClosed BidStatus = "rejected_closed"
	BidDuplicate      BidStatus = "duplicate"
)

// IncrementTier maps a price band to the minimum increment applied inside it.
// UpTo is exclusive; a zero UpTo marks the open-ended top tier.
type IncrementTier struct {
	UpTo      decimal.Decimal `json:"up_to" mapstructure:"up_to"`
	Increment decimal.Decimal `json:"increment" mapstructure:"increment"`
}

// Bidder is the display information the UI shows next to a bid.
type Bidder struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

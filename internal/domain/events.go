package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBidAccepted      EventType = "bid_accepted"
	EventOutbid           EventType = "outbid"
	EventAuctionExtended  EventType = "auction_extended"
	EventAuctionClosed    EventType = "auction_closed"
	EventAuctionCancelled EventType = "auction_cancelled"
)

// AuctionEvent is produced to notification collaborators. Consumers deduplicate on ID.
type AuctionEvent struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"type"`
	AuctionID string    `json:"auction_id"`
	ListingID string    `json:"listing_id"`
	SellerID  string    `json:"seller_id,omitempty"`

	BidID            string           `json:"bid_id,omitempty"`
	BidderID         string           `json:"bidder_id,omitempty"`
	PreviousBidderID string           `json:"previous_bidder_id,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`

	// WinnerID is empty for an auction that closed unsold.
	WinnerID string     `json:"winner_id,omitempty"`
	EndAt    *time.Time `json:"end_at,omitempty"`
	Version  int64      `json:"version"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Recipients lists the users an event is addressed to, beyond the auction audience.
func (e *AuctionEvent) Recipients() []string {
	switch e.Type {
	case EventOutbid:
		return []string{e.PreviousBidderID}
	case EventAuctionClosed:
		if e.WinnerID != "" {
			return []string{e.WinnerID, e.SellerID}
		}
		return []string{e.SellerID}
	case EventAuctionCancelled:
		return nil
	}
	return nil
}

// Delivery is one attempt to hand an event to one sink.
type Delivery struct {
	Event       AuctionEvent `json:"event"`
	Sink        string       `json:"sink"`
	Attempt     int          `json:"attempt"`
	NextAttempt time.Time    `json:"next_attempt"`
	LastError   string       `json:"last_error,omitempty"`
}

// Key identifies a delivery across retries.
func (d *Delivery) Key() string {
	return d.Sink + ":" + d.Event.ID
}

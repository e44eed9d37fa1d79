//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks auction-engine/internal/domain NotificationSink,LeaderElection

package domain

import (
	"context"
	"time"
)

// Repository interfaces
type AuctionRepository interface {
	CreateAuction(ctx context.Context, auction *Auction) error
	GetAuction(ctx context.Context, auctionID string) (*Auction, error)
	// UpdateAuction writes auction if the stored version still equals expectedVersion.
	UpdateAuction(ctx context.Context, auction *Auction, expectedVersion int64) error
	// ListLive returns every scheduled, open or closing_soon auction.
	ListLive(ctx context.Context) ([]*Auction, error)
}

// BidLedger is the append-only record of bid attempts. It is the only writer of
// sequence numbers.
type BidLedger interface {
	// Append records bid with the next sequence number of its auction. If the idempotency key
	// was already used for the auction, the prior record is returned with fresh=false and
	// nothing is written. A non-nil commit is persisted in the same unit as the bid, guarded
	// by a compare-and-swap on expectedVersion.
	Append(ctx context.Context, bid *Bid, commit *Auction, expectedVersion int64) (recorded *Bid, fresh bool, err error)
	FindByIdempotencyKey(ctx context.Context, auctionID, key string) (*Bid, error)
	HighestAccepted(ctx context.Context, auctionID string) (*Bid, error)
	// History returns every recorded attempt ordered by ascending sequence number.
	History(ctx context.Context, auctionID string) ([]*Bid, error)
}

// Cache interfaces
type SnapshotCache interface {
	// StoreSnapshot keeps snapshot unless a snapshot with a higher version is already stored.
	StoreSnapshot(ctx context.Context, snapshot *AuctionSnapshot) error
	GetSnapshot(ctx context.Context, auctionID string) (*AuctionSnapshot, error)
	DeleteSnapshot(ctx context.Context, auctionID string) error
}

type IncrementRuleStore interface {
	LoadTiers(ctx context.Context) ([]IncrementTier, error)
	SaveTiers(ctx context.Context, tiers []IncrementTier) error
}

// Notification interfaces
type NotificationSink interface {
	Name() string
	Deliver(ctx context.Context, event *AuctionEvent) error
}

// RetryQueue is the durable store of deliveries that have not been acknowledged yet. A
// delivery stays stored until Remove is called for its key.
type RetryQueue interface {
	// Schedule stores delivery, replacing any stored delivery with the same key.
	Schedule(ctx context.Context, delivery *Delivery) error
	// Claim returns up to limit deliveries whose NextAttempt is not after now and pushes their
	// stored NextAttempt to leaseUntil, so a crashed worker's claim expires instead of vanishing.
	Claim(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*Delivery, error)
	Remove(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
}

type EventPublisher interface {
	Enqueue(ctx context.Context, events ...AuctionEvent)
}

type EventSubscriber interface {
	SubscribeToAuctionEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event *AuctionEvent) error

// Collaborator ports
type BidderDirectory interface {
	Lookup(ctx context.Context, bidderID string) (Bidder, error)
}

// AuctionScheduler tracks the next timer transition of every live auction.
type AuctionScheduler interface {
	Reindex(auction *Auction)
	Remove(auctionID string)
}

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// WebSocket interfaces
type WebSocketConnection interface {
	Send(message interface{}) error
	Close() error
	UserID() string
	AuctionID() string
}

type ConnectionManager interface {
	RegisterConnection(conn WebSocketConnection) error
	UnregisterConnection(conn WebSocketConnection) error
	GetConnectionsForAuction(auctionID string) []WebSocketConnection
	GetConnectionsForUser(userID string) []WebSocketConnection
	BroadcastToAuction(auctionID string, message interface{}) error
	NotifyUser(userID string, message interface{}) error
	CloseAndUnregisterConnections(auctionID string) error
}

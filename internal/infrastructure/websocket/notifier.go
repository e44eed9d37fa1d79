package websocket

import (
	"context"
	"time"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

// Message types pushed to live feed clients.
const (
	MessageBidUpdate       = "bid_update"
	MessageOutbid          = "outbid"
	MessageAuctionExtended = "auction_extended"
	MessageAuctionEnded    = "auction_ended"
	MessageSnapshot        = "snapshot"
	MessageBidResult       = "bid_result"
	MessageError           = "error"
	MessagePong            = "pong"
)

type Message struct {
	Type          string           `json:"type"`
	AuctionID     string           `json:"auction_id,omitempty"`
	EventID       string           `json:"event_id,omitempty"`
	BidID         string           `json:"bid_id,omitempty"`
	CurrentBid    *decimal.Decimal `json:"current_bid,omitempty"`
	CurrentWinner string           `json:"current_winner,omitempty"`
	WinnerID      string           `json:"winner_id,omitempty"`
	BidEndAt      *time.Time       `json:"bid_end_at,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Version       int64            `json:"version,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// WebSocketNotifier is the notification sink for clients connected to this instance.
type WebSocketNotifier struct {
	connManager domain.ConnectionManager
}

func NewWebSocketNotifier(connManager domain.ConnectionManager) *WebSocketNotifier {
	return &WebSocketNotifier{connManager: connManager}
}

func (n *WebSocketNotifier) Name() string {
	return "websocket"
}

func (n *WebSocketNotifier) Deliver(ctx context.Context, event *domain.AuctionEvent) error {
	msg := Message{
		AuctionID: event.AuctionID,
		EventID:   event.ID,
		BidID:     event.BidID,
		BidEndAt:  event.EndAt,
		Version:   event.Version,
		Timestamp: event.OccurredAt,
	}

	switch event.Type {
	case domain.EventBidAccepted:
		msg.Type = MessageBidUpdate
		msg.CurrentBid = event.Amount
		msg.CurrentWinner = event.BidderID
		return n.connManager.BroadcastToAuction(event.AuctionID, msg)

	case domain.EventOutbid:
		msg.Type = MessageOutbid
		msg.CurrentBid = event.Amount
		return n.connManager.NotifyUser(event.PreviousBidderID, msg)

	case domain.EventAuctionExtended:
		msg.Type = MessageAuctionExtended
		return n.connManager.BroadcastToAuction(event.AuctionID, msg)

	case domain.EventAuctionClosed, domain.EventAuctionCancelled:
		msg.Type = MessageAuctionEnded
		msg.WinnerID = event.WinnerID
		msg.CurrentBid = event.Amount
		msg.Reason = "closed"
		if event.Type == domain.EventAuctionCancelled {
			msg.Reason = "cancelled"
		}
		if err := n.connManager.BroadcastToAuction(event.AuctionID, msg); err != nil {
			return err
		}
		return n.connManager.CloseAndUnregisterConnections(event.AuctionID)
	}
	return nil
}

package websocket

import (
	"context"
	"net/http"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/services"
	apperrors "auction-engine/pkg/errors"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	pongWait     = 60 * time.Second
	bidTimeout   = 10 * time.Second
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// AuctionService is the part of the engine the live feed needs.
type AuctionService interface {
	PlaceBid(ctx context.Context, req services.PlaceBidRequest) (*services.BidOutcome, error)
	Snapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error)
}

type inboundMessage struct {
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type outboundMessage struct {
	Type    string                   `json:"type"`
	Data    interface{}              `json:"data,omitempty"`
	Error   *apperrors.ErrorResponse `json:"error,omitempty"`
	Message string                   `json:"message,omitempty"`
}

type WebSocketHandler struct {
	auctions    AuctionService
	connManager domain.ConnectionManager
	log         logger.Logger
}

func NewWebSocketHandler(auctions AuctionService, connManager domain.ConnectionManager, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		auctions:    auctions,
		connManager: connManager,
		log:         log,
	}
}

// HandleConnection upgrades the request and streams the auction's updates to the client.
// The client receives the current snapshot first.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		apperrors.WriteError(w, apperrors.InvalidInput("user_id required"))
		return
	}

	snapshot, err := h.auctions.Snapshot(r.Context(), auctionID)
	if err != nil {
		h.log.Error("Failed to find auction", "error", err, "auction_id", auctionID)
		apperrors.WriteError(w, err)
		return
	}
	if !snapshot.Auction.State.Live() {
		h.log.Info("Rejected connection - auction has ended", "auction_id", auctionID, "state", snapshot.Auction.State)
		apperrors.WriteError(w, apperrors.New(apperrors.CodeNotOpen, "auction has already ended", http.StatusForbidden))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	wsConn := NewWebSocketConnection(conn, userID, auctionID)
	if err := h.connManager.RegisterConnection(wsConn); err != nil {
		h.log.Error("Failed to register connection", "error", err)
		_ = wsConn.Close()
		return
	}

	if err := wsConn.Send(outboundMessage{Type: MessageSnapshot, Data: snapshot}); err != nil {
		h.log.Warn("Failed to send initial snapshot", "user_id", userID, "auction_id", auctionID, "error", err)
	}

	go h.handleMessages(conn, wsConn)
}

func (h *WebSocketHandler) handleMessages(conn *websocket.Conn, wsConn *WebSocketConnection) {
	defer func() {
		_ = h.connManager.UnregisterConnection(wsConn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Error("Failed to read message", "user_id", wsConn.UserID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "place_bid":
			h.handleBidMessage(wsConn, msg)
		case "ping":
			_ = wsConn.Send(outboundMessage{Type: MessagePong})
		}
	}
}

func (h *WebSocketHandler) handleBidMessage(conn *WebSocketConnection, msg inboundMessage) {
	amount, err := decimal.NewFromString(msg.Amount)
	if err != nil {
		_ = conn.Send(outboundMessage{Type: MessageError, Message: "invalid amount format"})
		return
	}

	key := msg.IdempotencyKey
	if key == "" {
		key = utils.GenerateID("ws")
	}

	ctx, cancel := context.WithTimeout(context.Background(), bidTimeout)
	defer cancel()

	outcome, err := h.auctions.PlaceBid(ctx, services.PlaceBidRequest{
		AuctionID:      conn.AuctionID(),
		BidderID:       conn.UserID(),
		Amount:         amount,
		IdempotencyKey: key,
	})

	reply := outboundMessage{Type: MessageBidResult}
	if outcome != nil {
		reply.Data = outcome
	}
	if err != nil {
		h.log.Info("Bid not accepted", "auction_id", conn.AuctionID(), "user_id", conn.UserID(), "error", err)
		resp := apperrors.AsAppError(err).Response()
		reply.Error = &resp
	}
	_ = conn.Send(reply)
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	userID    string
	auctionID string

	mu     sync.Mutex
	sent   []Message
	closed bool
}

func (c *fakeConn) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) UserID() string    { return c.userID }
func (c *fakeConn) AuctionID() string { return c.auctionID }

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

func TestConnectionManager_RegisterAndUnregister(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager(logger.NewNop())
	phone := &fakeConn{userID: "alice", auctionID: "auction-1"}
	laptop := &fakeConn{userID: "alice", auctionID: "auction-1"}
	bob := &fakeConn{userID: "bob", auctionID: "auction-1"}
	for _, c := range []*fakeConn{phone, laptop, bob} {
		require.NoError(t, cm.RegisterConnection(c))
	}

	require.Len(t, cm.GetConnectionsForAuction("auction-1"), 3)
	require.Len(t, cm.GetConnectionsForUser("alice"), 2)

	require.NoError(t, cm.UnregisterConnection(phone))
	require.Len(t, cm.GetConnectionsForUser("alice"), 1)
	require.Len(t, cm.GetConnectionsForAuction("auction-1"), 2)

	require.NoError(t, cm.CloseAndUnregisterConnections("auction-1"))
	require.Empty(t, cm.GetConnectionsForAuction("auction-1"))
	require.Empty(t, cm.GetConnectionsForUser("alice"))
	require.True(t, laptop.closed)
	require.True(t, bob.closed)
	require.False(t, phone.closed)
}

func TestWebSocketNotifier_Deliver(t *testing.T) {
	t.Parallel()

	amount := decimal.NewFromInt(1200)
	endAt := time.Date(2026, 3, 1, 13, 2, 0, 0, time.UTC)

	tests := []struct {
		name      string
		event     domain.AuctionEvent
		wantAlice string
		wantBob   string
		closed    bool
	}{
		{
			name:      "bid accepted reaches every watcher",
			event:     domain.AuctionEvent{ID: "e1", Type: domain.EventBidAccepted, AuctionID: "auction-1", BidderID: "bob", Amount: &amount},
			wantAlice: MessageBidUpdate,
			wantBob:   MessageBidUpdate,
		},
		{
			name:      "outbid reaches only the previous leader",
			event:     domain.AuctionEvent{ID: "e2", Type: domain.EventOutbid, AuctionID: "auction-1", PreviousBidderID: "alice", Amount: &amount},
			wantAlice: MessageOutbid,
		},
		{
			name:      "extension is broadcast",
			event:     domain.AuctionEvent{ID: "e3", Type: domain.EventAuctionExtended, AuctionID: "auction-1", EndAt: &endAt},
			wantAlice: MessageAuctionExtended,
			wantBob:   MessageAuctionExtended,
		},
		{
			name:      "close ends the feed",
			event:     domain.AuctionEvent{ID: "e4", Type: domain.EventAuctionClosed, AuctionID: "auction-1", WinnerID: "bob", Amount: &amount},
			wantAlice: MessageAuctionEnded,
			wantBob:   MessageAuctionEnded,
			closed:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cm := NewConnectionManager(logger.NewNop())
			alice := &fakeConn{userID: "alice", auctionID: "auction-1"}
			bob := &fakeConn{userID: "bob", auctionID: "auction-1"}
			require.NoError(t, cm.RegisterConnection(alice))
			require.NoError(t, cm.RegisterConnection(bob))

			notifier := NewWebSocketNotifier(cm)
			require.Equal(t, "websocket", notifier.Name())
			require.NoError(t, notifier.Deliver(context.Background(), &tt.event))

			assertReceived(t, alice, tt.wantAlice)
			assertReceived(t, bob, tt.wantBob)
			require.Equal(t, tt.closed, alice.closed)
			if tt.closed {
				require.Empty(t, cm.GetConnectionsForAuction("auction-1"))
			}
		})
	}
}

func TestWebSocketNotifier_CancelReason(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager(logger.NewNop())
	watcher := &fakeConn{userID: "alice", auctionID: "auction-1"}
	require.NoError(t, cm.RegisterConnection(watcher))

	notifier := NewWebSocketNotifier(cm)
	require.NoError(t, notifier.Deliver(context.Background(), &domain.AuctionEvent{
		ID: "e1", Type: domain.EventAuctionCancelled, AuctionID: "auction-1",
	}))

	msgs := watcher.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "cancelled", msgs[0].Reason)
}

func assertReceived(t *testing.T, conn *fakeConn, want string) {
	t.Helper()
	msgs := conn.messages()
	if want == "" {
		require.Empty(t, msgs)
		return
	}
	require.Len(t, msgs, 1)
	require.Equal(t, want, msgs[0].Type)
}

type stubAuctionService struct {
	snapshot *domain.AuctionSnapshot
	outcome  *services.BidOutcome
	err      error

	mu   sync.Mutex
	reqs []services.PlaceBidRequest
}

func (s *stubAuctionService) PlaceBid(ctx context.Context, req services.PlaceBidRequest) (*services.BidOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.outcome, s.err
}

func (s *stubAuctionService) Snapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	if s.snapshot == nil || s.snapshot.Auction.AuctionID != auctionID {
		return nil, domain.ErrAuctionNotFound
	}
	return s.snapshot, nil
}

func newFeedServer(t *testing.T, svc AuctionService, cm domain.ConnectionManager) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/ws/auctions/{auctionID}", NewWebSocketHandler(svc, cm, logger.NewNop()).HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestWebSocketHandler_SnapshotThenBid(t *testing.T) {
	t.Parallel()

	current := decimal.NewFromInt(1100)
	svc := &stubAuctionService{
		snapshot: &domain.AuctionSnapshot{Auction: domain.AuctionView{
			AuctionID: "auction-1", State: domain.AuctionOpen, Version: 2,
		}},
		outcome: &services.BidOutcome{Status: domain.BidAccepted, CurrentBid: &current, Version: 3},
	}
	cm := NewConnectionManager(logger.NewNop())
	conn := dial(t, newFeedServer(t, svc, cm), "/ws/auctions/auction-1?user_id=alice")

	var first struct {
		Type string                 `json:"type"`
		Data domain.AuctionSnapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, MessageSnapshot, first.Type)
	require.Equal(t, int64(2), first.Data.Auction.Version)
	require.Len(t, cm.GetConnectionsForUser("alice"), 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "place_bid", "amount": "1100"}))

	var reply struct {
		Type string              `json:"type"`
		Data services.BidOutcome `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, MessageBidResult, reply.Type)
	require.Equal(t, domain.BidAccepted, reply.Data.Status)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.reqs, 1)
	require.Equal(t, "alice", svc.reqs[0].BidderID)
	require.True(t, svc.reqs[0].Amount.Equal(current))
	require.NotEmpty(t, svc.reqs[0].IdempotencyKey)
}

func TestWebSocketHandler_RejectedBidCarriesError(t *testing.T) {
	t.Parallel()

	svc := &stubAuctionService{
		snapshot: &domain.AuctionSnapshot{Auction: domain.AuctionView{AuctionID: "auction-1", State: domain.AuctionClosingSoon}},
		outcome:  &services.BidOutcome{Status: domain.BidRejectedLow},
		err:      domain.ErrBidTooLow,
	}
	conn := dial(t, newFeedServer(t, svc, NewConnectionManager(logger.NewNop())), "/ws/auctions/auction-1?user_id=bob")

	var snapshot outboundMessage
	require.NoError(t, conn.ReadJSON(&snapshot))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "place_bid", "amount": "1050", "idempotency_key": "k-1"}))
	var reply outboundMessage
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, MessageBidResult, reply.Type)
	require.NotNil(t, reply.Error)
	require.Equal(t, "BID_TOO_LOW", reply.Error.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "place_bid", "amount": "abc"}))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, MessageError, reply.Type)
}

func TestWebSocketHandler_RefusesEndedAuction(t *testing.T) {
	t.Parallel()

	svc := &stubAuctionService{
		snapshot: &domain.AuctionSnapshot{Auction: domain.AuctionView{AuctionID: "auction-1", State: domain.AuctionClosed}},
	}
	srv := newFeedServer(t, svc, NewConnectionManager(logger.NewNop()))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/auctions/auction-1?user_id=alice", nil)
	require.Error(t, err)
	require.Equal(t, 403, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"/ws/auctions/missing?user_id=alice", nil)
	require.Error(t, err)
	require.Equal(t, 404, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"/ws/auctions/auction-1", nil)
	require.Error(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

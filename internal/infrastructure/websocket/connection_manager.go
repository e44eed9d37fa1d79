package websocket

import (
	"encoding/json"
	"sync"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

// ConnectionManager tracks the live feed connections of this instance. A user may hold
// several connections to the same auction, one per open client.
type ConnectionManager struct {
	connections map[string]map[domain.WebSocketConnection]struct{} // auctionID -> connections
	userConns   map[string]map[domain.WebSocketConnection]struct{} // userID -> connections
	mutex       sync.RWMutex
	log         logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]map[domain.WebSocketConnection]struct{}),
		userConns:   make(map[string]map[domain.WebSocketConnection]struct{}),
		log:         log,
	}
}

func (cm *ConnectionManager) RegisterConnection(conn domain.WebSocketConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	add(cm.connections, conn.AuctionID(), conn)
	add(cm.userConns, conn.UserID(), conn)

	cm.log.Info("Connection registered", "user_id", conn.UserID(), "auction_id", conn.AuctionID())
	return nil
}

func (cm *ConnectionManager) UnregisterConnection(conn domain.WebSocketConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	remove(cm.connections, conn.AuctionID(), conn)
	remove(cm.userConns, conn.UserID(), conn)

	cm.log.Info("Connection unregistered", "user_id", conn.UserID(), "auction_id", conn.AuctionID())
	return nil
}

func (cm *ConnectionManager) CloseAndUnregisterConnections(auctionID string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	for conn := range cm.connections[auctionID] {
		if err := conn.Close(); err != nil {
			cm.log.Error("Failed to close connection", "user_id", conn.UserID(),
				"auction_id", auctionID, "error", err)
		}
		remove(cm.userConns, conn.UserID(), conn)
	}
	delete(cm.connections, auctionID)

	cm.log.Info("Connections closed for auction", "auction_id", auctionID)
	return nil
}

func (cm *ConnectionManager) GetConnectionsForAuction(auctionID string) []domain.WebSocketConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return list(cm.connections[auctionID])
}

func (cm *ConnectionManager) GetConnectionsForUser(userID string) []domain.WebSocketConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return list(cm.userConns[userID])
}

func (cm *ConnectionManager) BroadcastToAuction(auctionID string, message interface{}) error {
	return cm.send(cm.GetConnectionsForAuction(auctionID), message)
}

func (cm *ConnectionManager) NotifyUser(userID string, message interface{}) error {
	return cm.send(cm.GetConnectionsForUser(userID), message)
}

func (cm *ConnectionManager) send(connections []domain.WebSocketConnection, message interface{}) error {
	if len(connections) == 0 {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	for _, conn := range connections {
		// Continue to other connections
		if err := conn.Send(json.RawMessage(messageBytes)); err != nil {
			cm.log.Error("Failed to send message", "user_id", conn.UserID(),
				"auction_id", conn.AuctionID(), "error", err)
		}
	}
	return nil
}

func add(index map[string]map[domain.WebSocketConnection]struct{}, key string, conn domain.WebSocketConnection) {
	if index[key] == nil {
		index[key] = make(map[domain.WebSocketConnection]struct{})
	}
	index[key][conn] = struct{}{}
}

func remove(index map[string]map[domain.WebSocketConnection]struct{}, key string, conn domain.WebSocketConnection) {
	if conns, exists := index[key]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(index, key)
		}
	}
}

func list(conns map[domain.WebSocketConnection]struct{}) []domain.WebSocketConnection {
	out := make([]domain.WebSocketConnection, 0, len(conns))
	for conn := range conns {
		out = append(out, conn)
	}
	return out
}

package memory

import (
	"context"
	"encoding/json"
	"sync"

	"auction-engine/internal/domain"
)

// SnapshotCache keeps encoded snapshots so readers never share memory with the writer.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string]cachedSnapshot
}

type cachedSnapshot struct {
	version int64
	payload []byte
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snapshots: make(map[string]cachedSnapshot)}
}

func (c *SnapshotCache) StoreSnapshot(ctx context.Context, snapshot *domain.AuctionSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := snapshot.Auction.AuctionID
	if cached, ok := c.snapshots[id]; ok && cached.version > snapshot.Auction.Version {
		return nil
	}
	c.snapshots[id] = cachedSnapshot{version: snapshot.Auction.Version, payload: payload}
	return nil
}

func (c *SnapshotCache) GetSnapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	c.mu.RLock()
	cached, ok := c.snapshots[auctionID]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSnapshotMissing
	}

	var snapshot domain.AuctionSnapshot
	if err := json.Unmarshal(cached.payload, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *SnapshotCache) DeleteSnapshot(ctx context.Context, auctionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, auctionID)
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
)

// storeIfNewer keeps the stored snapshot when its version is higher than the incoming one.
var storeIfNewer = redis.NewScript(`
    local current = redis.call('HGET', KEYS[1], 'version')
    if current and tonumber(current) > tonumber(ARGV[1]) then
        return 0
    end
    redis.call('HSET', KEYS[1], 'version', ARGV[1], 'payload', ARGV[2])
    return 1
`)

// RedisSnapshotCache shares auction snapshots between the writer and read replicas.
type RedisSnapshotCache struct {
	client *redis.Client
}

func NewRedisSnapshotCache(client *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

func snapshotKey(auctionID string) string {
	return fmt.Sprintf("auction:%s:snapshot", auctionID)
}

func (r *RedisSnapshotCache) StoreSnapshot(ctx context.Context, snapshot *domain.AuctionSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return storeIfNewer.Run(ctx, r.client,
		[]string{snapshotKey(snapshot.Auction.AuctionID)},
		snapshot.Auction.Version, string(payload)).Err()
}

func (r *RedisSnapshotCache) GetSnapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	payload, err := r.client.HGet(ctx, snapshotKey(auctionID), "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSnapshotMissing
		}
		return nil, err
	}

	var snapshot domain.AuctionSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *RedisSnapshotCache) DeleteSnapshot(ctx context.Context, auctionID string) error {
	return r.client.Del(ctx, snapshotKey(auctionID)).Err()
}

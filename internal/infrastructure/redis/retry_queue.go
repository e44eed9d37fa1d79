package redis

import (
	"context"
	"encoding/json"
	"time"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	retryScheduleKey = "notifications:retry:schedule"
	retryPayloadKey  = "notifications:retry:payload"
)

// claimDue returns the payloads of up to ARGV[2] deliveries scored at or before ARGV[1] and
// rescores them to ARGV[3], the end of the claim's lease.
var claimDue = redis.NewScript(`
    local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
    local payloads = {}
    for _, k in ipairs(keys) do
        local payload = redis.call('HGET', KEYS[2], k)
        if payload then
            redis.call('ZADD', KEYS[1], ARGV[3], k)
            table.insert(payloads, payload)
        else
            redis.call('ZREM', KEYS[1], k)
        end
    end
    return payloads
`)

// RedisRetryQueue is a durable delivery schedule: a sorted set of delivery keys scored by the
// next attempt time, plus a hash holding each delivery. Entries leave only through Remove.
type RedisRetryQueue struct {
	client *redis.Client
}

func NewRedisRetryQueue(client *redis.Client) *RedisRetryQueue {
	return &RedisRetryQueue{client: client}
}

func (q *RedisRetryQueue) Schedule(ctx context.Context, delivery *domain.Delivery) error {
	payload, err := json.Marshal(delivery)
	if err != nil {
		return err
	}

	key := delivery.Key()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, retryPayloadKey, key, payload)
		pipe.ZAdd(ctx, retryScheduleKey, &redis.Z{
			Score:  float64(delivery.NextAttempt.UnixMilli()),
			Member: key,
		})
		return nil
	})
	return err
}

func (q *RedisRetryQueue) Claim(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	res, err := claimDue.Run(ctx, q.client, []string{retryScheduleKey, retryPayloadKey},
		now.UnixMilli(), limit, leaseUntil.UnixMilli()).StringSlice()
	if err != nil {
		return nil, err
	}

	deliveries := make([]*domain.Delivery, 0, len(res))
	for _, payload := range res {
		var d domain.Delivery
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			continue
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, nil
}

func (q *RedisRetryQueue) Remove(ctx context.Context, key string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, retryScheduleKey, key)
		pipe.HDel(ctx, retryPayloadKey, key)
		return nil
	})
	return err
}

func (q *RedisRetryQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, retryScheduleKey).Result()
	return int(n), err
}

package redis

import (
	"context"
	"encoding/json"
	"errors"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
)

const incrementRulesKey = "bid_validation_rules"

// RedisIncrementRuleStore keeps the tiered increment table shared by every instance.
type RedisIncrementRuleStore struct {
	client *redis.Client
}

func NewRedisIncrementRuleStore(client *redis.Client) *RedisIncrementRuleStore {
	return &RedisIncrementRuleStore{client: client}
}

func (s *RedisIncrementRuleStore) LoadTiers(ctx context.Context) ([]domain.IncrementTier, error) {
	data, err := s.client.Get(ctx, incrementRulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	var tiers []domain.IncrementTier
	if err := json.Unmarshal([]byte(data), &tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

func (s *RedisIncrementRuleStore) SaveTiers(ctx context.Context, tiers []domain.IncrementTier) error {
	data, err := json.Marshal(tiers)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, incrementRulesKey, string(data), 0).Err()
}

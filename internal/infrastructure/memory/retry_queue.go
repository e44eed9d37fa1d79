package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"auction-engine/internal/domain"
)

// RetryQueue holds deliveries in process memory. Scheduling the same delivery key again
// replaces the pending entry; claimed entries stay until removed.
type RetryQueue struct {
	mu      sync.Mutex
	pending map[string]*domain.Delivery
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{pending: make(map[string]*domain.Delivery)}
}

func (q *RetryQueue) Schedule(ctx context.Context, delivery *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := *delivery
	q.pending[delivery.Key()] = &c
	return nil
}

func (q *RetryQueue) Claim(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*domain.Delivery, 0)
	for _, d := range q.pending {
		if !d.NextAttempt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttempt.Equal(due[j].NextAttempt) {
			return due[i].Key() < due[j].Key()
		}
		return due[i].NextAttempt.Before(due[j].NextAttempt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.Delivery, 0, len(due))
	for _, d := range due {
		c := *d
		claimed = append(claimed, &c)
		d.NextAttempt = leaseUntil
	}
	return claimed, nil
}

func (q *RetryQueue) Remove(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
	return nil
}

func (q *RetryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"auction-engine/internal/config"
	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

var fallbackIncrement = decimal.NewFromInt(5)

// IncrementRules resolves the minimum raise for auctions published without a fixed
// min_increment. Tiers are ordered by UpTo; the tier with a zero UpTo is the open-ended top.
type IncrementRules struct {
	tiers []domain.IncrementTier
}

func NewIncrementRules(tiers []domain.IncrementTier) *IncrementRules {
	sorted := append([]domain.IncrementTier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UpTo.IsZero() {
			return false
		}
		if sorted[j].UpTo.IsZero() {
			return true
		}
		return sorted[i].UpTo.LessThan(sorted[j].UpTo)
	})
	return &IncrementRules{tiers: sorted}
}

// For returns the increment that applies when the current floor is amount.
func (r *IncrementRules) For(amount decimal.Decimal) decimal.Decimal {
	if r == nil || len(r.tiers) == 0 {
		return fallbackIncrement
	}
	for _, tier := range r.tiers {
		if tier.UpTo.IsZero() || amount.LessThan(tier.UpTo) {
			return tier.Increment
		}
	}
	return r.tiers[len(r.tiers)-1].Increment
}

func (r *IncrementRules) Tiers() []domain.IncrementTier {
	return append([]domain.IncrementTier(nil), r.tiers...)
}

// ParseIncrementTiers converts configured tiers into decimals.
func ParseIncrementTiers(cfg []config.IncrementTier) ([]domain.IncrementTier, error) {
	tiers := make([]domain.IncrementTier, 0, len(cfg))
	for i, t := range cfg {
		var tier domain.IncrementTier
		var err error
		if t.UpTo != "" {
			if tier.UpTo, err = decimal.NewFromString(t.UpTo); err != nil {
				return nil, fmt.Errorf("increment tier %d up_to: %w", i, err)
			}
		}
		if tier.Increment, err = decimal.NewFromString(t.Increment); err != nil {
			return nil, fmt.Errorf("increment tier %d increment: %w", i, err)
		}
		if !tier.Increment.IsPositive() {
			return nil, fmt.Errorf("increment tier %d: increment must be positive", i)
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// LoadIncrementRules reads tiers from store, seeding it with defaults when nothing is stored yet.
func LoadIncrementRules(ctx context.Context, store domain.IncrementRuleStore, defaults []domain.IncrementTier) (*IncrementRules, error) {
	if store == nil {
		return NewIncrementRules(defaults), nil
	}

	tiers, err := store.LoadTiers(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err := store.SaveTiers(ctx, defaults); err != nil {
			return nil, err
		}
		tiers = defaults
	}
	return NewIncrementRules(tiers), nil
}

package services

import (
	"fmt"
	"time"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

// StateMachine owns the lifecycle rules of an auction. It only mutates the draft it is given;
// callers are expected to hold the auction's arbiter token and persist the result.
//
// Every method is idempotent: a transition that does not apply in the current state leaves
// the auction untouched. Each applied transition bumps Version exactly once.
type StateMachine struct {
	increments *IncrementRules
}

func NewStateMachine(increments *IncrementRules) *StateMachine {
	return &StateMachine{increments: increments}
}

// Increment returns the minimum raise currently required on a.
func (m *StateMachine) Increment(a *domain.Auction) decimal.Decimal {
	if a.MinIncrement.IsPositive() {
		return a.MinIncrement
	}
	return m.increments.For(a.Floor())
}

func (m *StateMachine) MinNextBid(a *domain.Auction) decimal.Decimal {
	return a.Floor().Add(m.Increment(a))
}

// Advance applies every timer transition that is due at now and returns the states entered,
// in order.
func (m *StateMachine) Advance(a *domain.Auction, now time.Time) []domain.AuctionState {
	var entered []domain.AuctionState

	if a.State == domain.AuctionScheduled && !now.Before(a.StartAt) {
		a.State = domain.AuctionOpen
		touch(a, now)
		entered = append(entered, domain.AuctionOpen)
	}

	if a.State.AcceptsBids() && !now.Before(a.EndAt) {
		m.close(a, now)
		return append(entered, domain.AuctionClosed)
	}

	if a.State == domain.AuctionOpen && a.ExtensionWindow > 0 && !now.Before(a.EndAt.Add(-a.ExtensionWindow)) {
		a.State = domain.AuctionClosingSoon
		touch(a, now)
		entered = append(entered, domain.AuctionClosingSoon)
	}

	return entered
}

// Evaluate classifies a bid of amount arriving at now without changing the auction.
func (m *StateMachine) Evaluate(a *domain.Auction, amount decimal.Decimal, now time.Time) domain.BidStatus {
	if !a.State.AcceptsBids() || !now.Before(a.EndAt) {
		return domain.BidRejectedClosed
	}
	if amount.LessThan(m.MinNextBid(a)) {
		return domain.BidRejectedLow
	}
	return domain.BidAccepted
}

// ApplyBid makes an accepted bid the current highest and applies the anti-snipe rule.
// It reports whether EndAt moved.
func (m *StateMachine) ApplyBid(a *domain.Auction, bid *domain.Bid, now time.Time) bool {
	amount := bid.Amount
	a.CurrentHighestBid = &amount
	a.HighestBidderID = bid.BidderID
	a.HighestBidID = bid.ID
	a.BidCount++

	extended := false
	if a.ExtensionWindow > 0 && a.ExtensionDelta > 0 &&
		a.EndAt.Sub(now) <= a.ExtensionWindow &&
		a.ExtensionCount < a.MaxExtensions {
		a.EndAt = a.EndAt.Add(a.ExtensionDelta)
		a.ExtensionCount++
		extended = true
	}

	if a.ExtensionWindow > 0 && !now.Before(a.EndAt.Add(-a.ExtensionWindow)) {
		a.State = domain.AuctionClosingSoon
	} else {
		a.State = domain.AuctionOpen
	}

	touch(a, now)
	return extended
}

// Settle hands a closed auction over to post-close collaborators.
func (m *StateMachine) Settle(a *domain.Auction, now time.Time) (bool, error) {
	switch a.State {
	case domain.AuctionSettled:
		return false, nil
	case domain.AuctionClosed:
		a.State = domain.AuctionSettled
		touch(a, now)
		return true, nil
	}
	return false, fmt.Errorf("settle %s auction: %w", a.State, domain.ErrConflict)
}

// Cancel withdraws an auction on behalf of its seller. expectedVersion, when set, must match
// the committed version.
func (m *StateMachine) Cancel(a *domain.Auction, sellerID string, expectedVersion *int64, now time.Time) (bool, error) {
	if a.SellerID != sellerID {
		return false, domain.ErrNotSeller
	}
	if a.State == domain.AuctionCancelled {
		return false, nil
	}
	if expectedVersion != nil && *expectedVersion != a.Version {
		return false, domain.ErrStaleVersion
	}
	if a.State == domain.AuctionClosed || a.State == domain.AuctionSettled {
		return false, domain.ErrConcluded
	}
	if a.HasBids() {
		return false, domain.ErrHasBids
	}

	a.State = domain.AuctionCancelled
	if now.Before(a.EndAt) {
		a.EndAt = now
	}
	closedAt := now
	a.ClosedAt = &closedAt
	touch(a, now)
	return true, nil
}

// NextDeadline returns the next instant at which Advance may change a.
func (m *StateMachine) NextDeadline(a *domain.Auction) (time.Time, bool) {
	switch a.State {
	case domain.AuctionScheduled:
		return a.StartAt, true
	case domain.AuctionOpen:
		if a.ExtensionWindow > 0 {
			return a.EndAt.Add(-a.ExtensionWindow), true
		}
		return a.EndAt, true
	case domain.AuctionClosingSoon:
		return a.EndAt, true
	}
	return time.Time{}, false
}

// IsWinning reports whether bid is the one the read model marks as winning.
func (m *StateMachine) IsWinning(a *domain.Auction, bid *domain.Bid) bool {
	if !bid.Accepted() {
		return false
	}
	switch a.State {
	case domain.AuctionOpen, domain.AuctionClosingSoon:
		return bid.ID == a.HighestBidID
	case domain.AuctionClosed, domain.AuctionSettled:
		return bid.ID == a.WinningBidID
	}
	return false
}

func (m *StateMachine) close(a *domain.Auction, now time.Time) {
	a.State = domain.AuctionClosed
	a.WinnerID = a.HighestBidderID
	a.WinningBidID = a.HighestBidID
	closedAt := now
	a.ClosedAt = &closedAt
	touch(a, now)
}

func touch(a *domain.Auction, now time.Time) {
	a.Version++
	a.UpdatedAt = now
}

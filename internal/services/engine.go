package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/metrics"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	"github.com/shopspring/decimal"
)

// AuctionPolicy is the anti-snipe policy copied into an auction when it is created.
type AuctionPolicy struct {
	ExtensionWindow time.Duration
	ExtensionDelta  time.Duration
	MaxExtensions   int
}

type EngineConfig struct {
	Policy AuctionPolicy
	// DefaultMinIncrement is used for auctions created without one. Zero selects tiered increments.
	DefaultMinIncrement decimal.Decimal
	RetryAttempts       int
	RetryBaseDelay      time.Duration
}

type PlaceBidRequest struct {
	AuctionID      string
	BidderID       string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// BidOutcome is what a bidder sees after a submission, including replays.
type BidOutcome struct {
	Status     domain.BidStatus `json:"status"`
	Bid        *domain.Bid      `json:"bid"`
	CurrentBid *decimal.Decimal `json:"current_bid"`
	BidEndAt   time.Time        `json:"bid_end_at"`
	MinNextBid decimal.Decimal  `json:"min_next_bid"`
	Version    int64            `json:"version"`
	Replayed   bool             `json:"replayed"`
}

type CreateAuctionRequest struct {
	ListingID    string
	SellerID     string
	StartPrice   decimal.Decimal
	MinIncrement decimal.Decimal
	StartAt      time.Time
	EndAt        time.Time
	// Policy overrides the engine default when set.
	Policy *AuctionPolicy
}

// Engine is the single entry point for every state change of an auction. All mutations run
// under the auction's arbiter token and are committed before any side effect is started.
type Engine struct {
	auctions   domain.AuctionRepository
	ledger     domain.BidLedger
	machine    *StateMachine
	arbiter    *Arbiter
	projection *Projection
	publisher  domain.EventPublisher
	scheduler  domain.AuctionScheduler
	cfg        EngineConfig
	now        func() time.Time
	log        logger.Logger
}

func NewEngine(
	auctions domain.AuctionRepository,
	ledger domain.BidLedger,
	machine *StateMachine,
	arbiter *Arbiter,
	projection *Projection,
	publisher domain.EventPublisher,
	cfg EngineConfig,
	log logger.Logger,
) *Engine {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Engine{
		auctions:   auctions,
		ledger:     ledger,
		machine:    machine,
		arbiter:    arbiter,
		projection: projection,
		publisher:  publisher,
		cfg:        cfg,
		now:        time.Now,
		log:        log,
	}
}

// SetScheduler breaks the construction cycle between the engine and the timer scheduler.
func (e *Engine) SetScheduler(scheduler domain.AuctionScheduler) {
	e.scheduler = scheduler
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*domain.AuctionView, error) {
	if err := e.validateCreate(req); err != nil {
		return nil, err
	}

	policy := e.cfg.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	minIncrement := req.MinIncrement
	if minIncrement.IsZero() {
		minIncrement = e.cfg.DefaultMinIncrement
	}

	now := e.now()
	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = now
	}
	auction := &domain.Auction{
		ID:              utils.GenerateID("auction"),
		ListingID:       req.ListingID,
		SellerID:        req.SellerID,
		StartPrice:      req.StartPrice,
		MinIncrement:    minIncrement,
		StartAt:         startAt,
		EndAt:           req.EndAt,
		ExtensionWindow: policy.ExtensionWindow,
		ExtensionDelta:  policy.ExtensionDelta,
		MaxExtensions:   policy.MaxExtensions,
		State:           domain.AuctionScheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.machine.Advance(auction, now)
	auction.Version = 1

	err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.auctions.CreateAuction(ctx, auction)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("Auction created", "auction_id", auction.ID, "listing_id", auction.ListingID,
		"state", auction.State, "end_at", auction.EndAt)
	e.afterCommit(ctx, auction, nil)
	return e.projection.View(auction), nil
}

// PlaceBid submits one bid attempt. Rejected attempts are recorded and reported with both an
// outcome and an error: ErrBidTooLow for rejected_low, ErrNotOpen for rejected_closed.
func (e *Engine) PlaceBid(ctx context.Context, req PlaceBidRequest) (*BidOutcome, error) {
	start := time.Now()
	defer func() {
		metrics.PlaceBidDuration.Observe(time.Since(start).Seconds())
	}()

	if err := validateBid(req); err != nil {
		return nil, err
	}

	// Replays are answered without the token.
	prior, err := e.findByKey(ctx, req.AuctionID, req.IdempotencyKey)
	if err != nil {
		return nil, e.transient(err)
	}
	if prior != nil {
		return e.replay(ctx, prior, req)
	}

	bidID := utils.GenerateID("bid")
	var (
		outcome *BidOutcome
		pending *placement
	)
	err = e.arbiter.Do(ctx, req.AuctionID, func(ctx context.Context) error {
		return e.withRetry(ctx, func(ctx context.Context) error {
			prior, err := e.findByKey(ctx, req.AuctionID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if pending != nil && prior.ID == pending.bid.ID {
					// An earlier attempt committed but its acknowledgement was lost.
					pending.bid = prior
					outcome = e.finishPlacement(ctx, pending)
					return nil
				}
				outcome, err = e.replay(ctx, prior, req)
				return err
			}

			p, err := e.preparePlacement(ctx, req, bidID)
			if err != nil {
				return err
			}
			pending = p

			recorded, fresh, err := e.ledger.Append(ctx, p.bid, p.commit, p.expectedVersion)
			if err != nil {
				return err
			}
			if !fresh && recorded.ID != p.bid.ID {
				outcome, err = e.replay(ctx, recorded, req)
				return err
			}
			p.bid = recorded
			outcome = e.finishPlacement(ctx, p)
			return nil
		})
	})
	if err != nil {
		if outcome != nil && outcome.Replayed {
			return outcome, err
		}
		return nil, err
	}

	return outcome, statusError(outcome.Status)
}

// Advance applies the timer transitions due for an auction. It is what the scheduler calls on
// every fire; duplicate fires are absorbed because transitions are idempotent.
func (e *Engine) Advance(ctx context.Context, auctionID string) (*domain.Auction, error) {
	return e.mutate(ctx, auctionID, func(draft *domain.Auction, now time.Time) ([]domain.AuctionEvent, error) {
		entered := e.machine.Advance(draft, now)
		if err := e.confirmWinner(ctx, draft, entered); err != nil {
			return nil, err
		}
		return e.transitionEvents(draft, entered, now), nil
	})
}

// CancelAuction withdraws an auction on behalf of its seller. expectedVersion is optional.
func (e *Engine) CancelAuction(ctx context.Context, auctionID, sellerID string, expectedVersion *int64) (*domain.AuctionView, error) {
	auction, err := e.mutate(ctx, auctionID, func(draft *domain.Auction, now time.Time) ([]domain.AuctionEvent, error) {
		changed, err := e.machine.Cancel(draft, sellerID, expectedVersion, now)
		if err != nil || !changed {
			return nil, err
		}
		return []domain.AuctionEvent{newEvent(domain.EventAuctionCancelled, draft, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return e.projection.View(auction), nil
}

// SettleAuction records the post-close handoff of a closed auction.
func (e *Engine) SettleAuction(ctx context.Context, auctionID string) (*domain.AuctionView, error) {
	auction, err := e.mutate(ctx, auctionID, func(draft *domain.Auction, now time.Time) ([]domain.AuctionEvent, error) {
		_, err := e.machine.Settle(draft, now)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return e.projection.View(auction), nil
}

func (e *Engine) GetAuctionState(ctx context.Context, auctionID string) (*domain.AuctionView, error) {
	return e.projection.State(ctx, auctionID)
}

func (e *Engine) ListBids(ctx context.Context, auctionID string, page, perPage int) (*domain.BidPage, error) {
	return e.projection.Bids(ctx, auctionID, page, perPage)
}

func (e *Engine) Snapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	return e.projection.Snapshot(ctx, auctionID)
}

// placement is one prepared bid attempt and the auction it commits.
type placement struct {
	bid              *domain.Bid
	auction          *domain.Auction
	commit           *domain.Auction
	expectedVersion  int64 // stored version the commit replaces
	entered          []domain.AuctionState
	extended         bool
	previousBidderID string
}

func (e *Engine) preparePlacement(ctx context.Context, req PlaceBidRequest, bidID string) (*placement, error) {
	current, err := e.auctions.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	draft := current.Clone()
	p := &placement{
		previousBidderID: draft.HighestBidderID,
		expectedVersion:  current.Version,
		entered:          e.machine.Advance(draft, now),
	}
	if err := e.confirmWinner(ctx, draft, p.entered); err != nil {
		return nil, err
	}

	status := e.machine.Evaluate(draft, req.Amount, now)
	p.bid = &domain.Bid{
		ID:             bidID,
		AuctionID:      req.AuctionID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Status:         status,
		CreatedAt:      now,
	}
	if status == domain.BidAccepted {
		acceptedAt := now
		p.bid.AcceptedAt = &acceptedAt
		p.extended = e.machine.ApplyBid(draft, p.bid, now)
	}

	p.bid.Outcome = e.record(draft)
	p.auction = draft
	if draft.Version != current.Version {
		p.commit = draft
	}
	return p, nil
}

// record captures what the bidder is told, so a replay answers with the same view.
func (e *Engine) record(a *domain.Auction) domain.BidOutcomeRecord {
	rec := domain.BidOutcomeRecord{
		BidEndAt:       a.EndAt,
		MinNextBid:     e.machine.MinNextBid(a),
		AuctionVersion: a.Version,
	}
	if a.CurrentHighestBid != nil {
		current := *a.CurrentHighestBid
		rec.CurrentBid = &current
	}
	return rec
}

// confirmWinner checks the winner of an auction that just closed against the ledger, which
// wins any disagreement.
func (e *Engine) confirmWinner(ctx context.Context, draft *domain.Auction, entered []domain.AuctionState) error {
	closed := false
	for _, state := range entered {
		closed = closed || state == domain.AuctionClosed
	}
	if !closed {
		return nil
	}

	best, err := e.ledger.HighestAccepted(ctx, draft.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if draft.WinnerID != "" {
			e.log.Error("Auction winner has no accepted bid in the ledger", "auction_id", draft.ID,
				"winner_id", draft.WinnerID, "winning_bid_id", draft.WinningBidID)
			draft.WinnerID, draft.WinningBidID = "", ""
			draft.HighestBidderID, draft.HighestBidID = "", ""
			draft.CurrentHighestBid = nil
		}
		return nil
	}
	if err != nil {
		return err
	}
	if best.ID == draft.WinningBidID && best.BidderID == draft.WinnerID {
		return nil
	}

	e.log.Error("Auction winner disagrees with the ledger", "auction_id", draft.ID,
		"winner_id", draft.WinnerID, "winning_bid_id", draft.WinningBidID,
		"ledger_bidder_id", best.BidderID, "ledger_bid_id", best.ID)
	amount := best.Amount
	draft.CurrentHighestBid = &amount
	draft.HighestBidderID = best.BidderID
	draft.HighestBidID = best.ID
	draft.WinnerID = best.BidderID
	draft.WinningBidID = best.ID
	return nil
}

func (e *Engine) finishPlacement(ctx context.Context, p *placement) *BidOutcome {
	now := p.bid.CreatedAt
	events := e.transitionEvents(p.auction, p.entered, now)

	if p.bid.Accepted() {
		accepted := newEvent(domain.EventBidAccepted, p.auction, now)
		accepted.BidID = p.bid.ID
		accepted.BidderID = p.bid.BidderID
		accepted.PreviousBidderID = p.previousBidderID
		accepted.Amount = &p.bid.Amount
		events = append(events, accepted)

		if p.previousBidderID != "" && p.previousBidderID != p.bid.BidderID {
			outbid := accepted
			outbid.ID = utils.GenerateID("")
			outbid.Type = domain.EventOutbid
			events = append(events, outbid)
		}
		if p.extended {
			extended := newEvent(domain.EventAuctionExtended, p.auction, now)
			extended.BidID = p.bid.ID
			events = append(events, extended)
			metrics.ExtensionsTotal.Inc()
		}
	}

	metrics.BidsTotal.WithLabelValues(string(p.bid.Status)).Inc()
	e.log.Info("Bid recorded", "auction_id", p.bid.AuctionID, "bid_id", p.bid.ID,
		"bidder_id", p.bid.BidderID, "amount", p.bid.Amount.String(), "status", p.bid.Status,
		"sequence", p.bid.SequenceNumber, "version", p.auction.Version)

	if p.commit != nil {
		e.afterCommit(ctx, p.auction, events)
	}
	return e.outcome(p.bid, p.bid.Status, false)
}

func (e *Engine) replay(ctx context.Context, prior *domain.Bid, req PlaceBidRequest) (*BidOutcome, error) {
	metrics.BidReplaysTotal.Inc()
	if !prior.SamePayload(req.BidderID, req.Amount) {
		e.log.Warn("Idempotency key reused with a different payload", "auction_id", prior.AuctionID,
			"idempotency_key", prior.IdempotencyKey, "bid_id", prior.ID)
		return e.outcome(prior, domain.BidDuplicate, true), nil
	}
	outcome := e.outcome(prior, prior.Status, true)
	return outcome, statusError(prior.Status)
}

// outcome answers from the record stored with the bid, never from the live auction.
func (e *Engine) outcome(bid *domain.Bid, status domain.BidStatus, replayed bool) *BidOutcome {
	rec := bid.Outcome
	out := &BidOutcome{
		Status:     status,
		Bid:        bid,
		BidEndAt:   rec.BidEndAt,
		MinNextBid: rec.MinNextBid,
		Version:    rec.AuctionVersion,
		Replayed:   replayed,
	}
	if rec.CurrentBid != nil {
		current := *rec.CurrentBid
		out.CurrentBid = &current
	}
	return out
}

// mutate runs fn on a draft of the auction under its token and commits the draft when fn
// changed it. A draft left at the committed version is not written.
func (e *Engine) mutate(ctx context.Context, auctionID string,
	fn func(draft *domain.Auction, now time.Time) ([]domain.AuctionEvent, error)) (*domain.Auction, error) {
	var committed *domain.Auction
	err := e.arbiter.Do(ctx, auctionID, func(ctx context.Context) error {
		return e.withRetry(ctx, func(ctx context.Context) error {
			current, err := e.auctions.GetAuction(ctx, auctionID)
			if err != nil {
				return err
			}

			draft := current.Clone()
			events, err := fn(draft, e.now())
			if err != nil {
				return err
			}
			if draft.Version == current.Version {
				committed = current
				e.reindex(current)
				return nil
			}

			if err := e.auctions.UpdateAuction(ctx, draft, current.Version); err != nil {
				return err
			}
			committed = draft
			e.log.Info("Auction updated", "auction_id", draft.ID, "state", draft.State,
				"version", draft.Version, "end_at", draft.EndAt)
			e.afterCommit(ctx, draft, events)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// afterCommit runs while the token is still held so the scheduler never sees a stale deadline.
func (e *Engine) afterCommit(ctx context.Context, a *domain.Auction, events []domain.AuctionEvent) {
	e.reindex(a)
	e.projection.Refresh(ctx, a)
	if e.publisher != nil && len(events) > 0 {
		e.publisher.Enqueue(ctx, events...)
	}
}

func (e *Engine) reindex(a *domain.Auction) {
	if e.scheduler == nil {
		return
	}
	if a.State.Live() {
		e.scheduler.Reindex(a)
	} else {
		e.scheduler.Remove(a.ID)
	}
}

func (e *Engine) transitionEvents(a *domain.Auction, entered []domain.AuctionState, now time.Time) []domain.AuctionEvent {
	var events []domain.AuctionEvent
	for _, state := range entered {
		metrics.TransitionsTotal.WithLabelValues(string(state)).Inc()
		if state != domain.AuctionClosed {
			continue
		}
		closed := newEvent(domain.EventAuctionClosed, a, now)
		closed.WinnerID = a.WinnerID
		closed.BidID = a.WinningBidID
		if a.CurrentHighestBid != nil && a.WinnerID != "" {
			amount := *a.CurrentHighestBid
			closed.Amount = &amount
		}
		events = append(events, closed)
		e.log.Info("Auction closed", "auction_id", a.ID, "winner_id", a.WinnerID, "bid_count", a.BidCount)
	}
	return events
}

func (e *Engine) findByKey(ctx context.Context, auctionID, key string) (*domain.Bid, error) {
	bid, err := e.ledger.FindByIdempotencyKey(ctx, auctionID, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return bid, err
}

// withRetry retries infrastructure failures and lost compare-and-swaps. Business outcomes are
// returned as they are; exhausted infrastructure failures surface as ErrTransient.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := utils.Retry(ctx, e.cfg.RetryAttempts, e.cfg.RetryBaseDelay, func(err error) bool {
		return errors.Is(err, domain.ErrConcurrentUpdate) || !domain.IsDomainError(err)
	}, fn)
	return e.transient(err)
}

func (e *Engine) transient(err error) error {
	if err == nil || domain.IsDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.log.Error("Operation failed after retries", "error", err)
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}

func (e *Engine) validateCreate(req CreateAuctionRequest) error {
	switch {
	case strings.TrimSpace(req.ListingID) == "":
		return fmt.Errorf("listing_id is required: %w", domain.ErrInvalidAuction)
	case strings.TrimSpace(req.SellerID) == "":
		return fmt.Errorf("seller_id is required: %w", domain.ErrInvalidAuction)
	case !req.StartPrice.IsPositive():
		return fmt.Errorf("start_price must be positive: %w", domain.ErrInvalidAuction)
	case req.MinIncrement.IsNegative():
		return fmt.Errorf("min_increment must not be negative: %w", domain.ErrInvalidAuction)
	case !centPrecise(req.StartPrice) || !centPrecise(req.MinIncrement):
		return fmt.Errorf("prices carry at most %d decimal places: %w", moneyPlaces, domain.ErrInvalidAuction)
	case req.EndAt.IsZero() || !req.EndAt.After(e.now()):
		return fmt.Errorf("end_at must be in the future: %w", domain.ErrInvalidAuction)
	case !req.StartAt.IsZero() && !req.EndAt.After(req.StartAt):
		return fmt.Errorf("end_at must be after start_at: %w", domain.ErrInvalidAuction)
	}
	if p := req.Policy; p != nil && (p.ExtensionWindow < 0 || p.ExtensionDelta < 0 || p.MaxExtensions < 0) {
		return fmt.Errorf("extension policy must not be negative: %w", domain.ErrInvalidAuction)
	}
	return nil
}

func validateBid(req PlaceBidRequest) error {
	switch {
	case strings.TrimSpace(req.AuctionID) == "":
		return fmt.Errorf("auction_id is required: %w", domain.ErrInvalidBid)
	case strings.TrimSpace(req.BidderID) == "":
		return fmt.Errorf("bidder_id is required: %w", domain.ErrInvalidBid)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return fmt.Errorf("idempotency key is required: %w", domain.ErrInvalidBid)
	case !req.Amount.IsPositive():
		return fmt.Errorf("amount must be positive: %w", domain.ErrInvalidBid)
	case !centPrecise(req.Amount):
		return fmt.Errorf("amount carries at most %d decimal places: %w", moneyPlaces, domain.ErrInvalidBid)
	}
	return nil
}

// moneyPlaces matches the DECIMAL(18,2) columns amounts are stored in.
const moneyPlaces = 2

func centPrecise(d decimal.Decimal) bool {
	return d.Equal(d.Round(moneyPlaces))
}

func statusError(status domain.BidStatus) error {
	switch status {
	case domain.BidRejectedLow:
		return domain.ErrBidTooLow
	case domain.BidRejectedClosed:
		return domain.ErrNotOpen
	}
	return nil
}

func newEvent(t domain.EventType, a *domain.Auction, now time.Time) domain.AuctionEvent {
	endAt := a.EndAt
	return domain.AuctionEvent{
		ID:         utils.GenerateID(""),
		Type:       t,
		AuctionID:  a.ID,
		ListingID:  a.ListingID,
		SellerID:   a.SellerID,
		EndAt:      &endAt,
		Version:    a.Version,
		OccurredAt: now,
	}
}

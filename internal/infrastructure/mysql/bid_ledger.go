package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"auction-engine/internal/domain"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

const bidColumns = `id, auction_id, bidder_id, amount, idempotency_key, sequence_number, status, created_at, accepted_at,
        outcome_current, outcome_end_at, outcome_min_bid, outcome_version`

const errDuplicateEntry = 1062

// MySQLBidLedger appends bid attempts inside a transaction that holds the auction row lock,
// which is what makes sequence numbers gap-free per auction.
type MySQLBidLedger struct {
	db *sql.DB
}

func NewMySQLBidLedger(db *sql.DB) *MySQLBidLedger {
	return &MySQLBidLedger{db: db}
}

func (l *MySQLBidLedger) Append(ctx context.Context, bid *domain.Bid, commit *domain.Auction, expectedVersion int64) (*domain.Bid, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM auctions WHERE id = ? FOR UPDATE`, bid.AuctionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, domain.ErrAuctionNotFound
	}
	if err != nil {
		return nil, false, err
	}

	prior, err := scanBid(tx.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND idempotency_key = ?`,
		bid.AuctionID, bid.IdempotencyKey))
	if err == nil {
		return prior, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	var sequence int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM bids WHERE auction_id = ?`, bid.AuctionID).Scan(&sequence)
	if err != nil {
		return nil, false, err
	}

	if commit != nil {
		if err := updateAuction(ctx, tx, commit, expectedVersion); err != nil {
			return nil, false, err
		}
	}

	recorded := *bid
	recorded.SequenceNumber = sequence
	_, err = tx.ExecContext(ctx, `
        INSERT INTO bids (`+bidColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		recorded.ID, recorded.AuctionID, recorded.BidderID, recorded.Amount, recorded.IdempotencyKey,
		recorded.SequenceNumber, string(recorded.Status), recorded.CreatedAt, nullTime(recorded.AcceptedAt),
		nullDecimal(recorded.Outcome.CurrentBid), recorded.Outcome.BidEndAt, recorded.Outcome.MinNextBid,
		recorded.Outcome.AuctionVersion)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, false, fmt.Errorf("bid %s for auction %s: %w", bid.IdempotencyKey, bid.AuctionID, domain.ErrConcurrentUpdate)
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &recorded, true, nil
}

func (l *MySQLBidLedger) FindByIdempotencyKey(ctx context.Context, auctionID, key string) (*domain.Bid, error) {
	bid, err := scanBid(l.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND idempotency_key = ?`, auctionID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBidNotFound
	}
	return bid, err
}

// HighestAccepted applies the tie-break: largest amount, then smallest sequence number.
func (l *MySQLBidLedger) HighestAccepted(ctx context.Context, auctionID string) (*domain.Bid, error) {
	query := `
        SELECT ` + bidColumns + ` FROM bids
        WHERE auction_id = ? AND status = ?
        ORDER BY amount DESC, sequence_number ASC
        LIMIT 1
    `
	bid, err := scanBid(l.db.QueryRowContext(ctx, query, auctionID, string(domain.BidAccepted)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBidNotFound
	}
	return bid, err
}

func (l *MySQLBidLedger) History(ctx context.Context, auctionID string) ([]*domain.Bid, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? ORDER BY sequence_number ASC`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bids := make([]*domain.Bid, 0)
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func scanBid(row scanner) (*domain.Bid, error) {
	var (
		b          domain.Bid
		status     string
		acceptedAt sql.NullTime
		current    decimal.NullDecimal
	)
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.IdempotencyKey,
		&b.SequenceNumber, &status, &b.CreatedAt, &acceptedAt,
		&current, &b.Outcome.BidEndAt, &b.Outcome.MinNextBid, &b.Outcome.AuctionVersion)
	if err != nil {
		return nil, err
	}
	if current.Valid {
		b.Outcome.CurrentBid = &current.Decimal
	}

	b.Status = domain.BidStatus(status)
	if acceptedAt.Valid {
		t := acceptedAt.Time
		b.AcceptedAt = &t
	}
	return &b, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

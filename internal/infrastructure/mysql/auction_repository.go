package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

const auctionColumns = `id, listing_id, seller_id, start_price, min_increment, current_highest_bid,
        highest_bidder_id, highest_bid_id, bid_count, start_at, end_at, extension_count,
        extension_window_ms, extension_delta_ms, max_extensions, state, version,
        winner_id, winning_bid_id, created_at, updated_at, closed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type MySQLAuctionRepository struct {
	db *sql.DB
}

func NewMySQLAuctionRepository(db *sql.DB) *MySQLAuctionRepository {
	return &MySQLAuctionRepository{db: db}
}

func (r *MySQLAuctionRepository) CreateAuction(ctx context.Context, auction *domain.Auction) error {
	query := `
        INSERT INTO auctions (` + auctionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		auction.ID, auction.ListingID, auction.SellerID, auction.StartPrice, auction.MinIncrement,
		nullDecimal(auction.CurrentHighestBid), auction.HighestBidderID, auction.HighestBidID,
		auction.BidCount, auction.StartAt, auction.EndAt, auction.ExtensionCount,
		auction.ExtensionWindow.Milliseconds(), auction.ExtensionDelta.Milliseconds(), auction.MaxExtensions,
		string(auction.State), auction.Version, auction.WinnerID, auction.WinningBidID,
		auction.CreatedAt, auction.UpdatedAt, nullTime(auction.ClosedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("auction %s or an auction for listing %s already exists: %w",
				auction.ID, auction.ListingID, domain.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *MySQLAuctionRepository) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = ?`

	auction, err := scanAuction(r.db.QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuctionNotFound
	}
	return auction, err
}

func (r *MySQLAuctionRepository) UpdateAuction(ctx context.Context, auction *domain.Auction, expectedVersion int64) error {
	return updateAuction(ctx, r.db, auction, expectedVersion)
}

func (r *MySQLAuctionRepository) ListLive(ctx context.Context) ([]*domain.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE state IN (?, ?, ?) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query,
		string(domain.AuctionScheduled), string(domain.AuctionOpen), string(domain.AuctionClosingSoon))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []*domain.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, auction)
	}
	return auctions, rows.Err()
}

// updateAuction writes every mutable column guarded by a compare-and-swap on version.
func updateAuction(ctx context.Context, db execer, auction *domain.Auction, expectedVersion int64) error {
	query := `
        UPDATE auctions SET current_highest_bid = ?, highest_bidder_id = ?, highest_bid_id = ?,
            bid_count = ?, end_at = ?, extension_count = ?, state = ?, version = ?,
            winner_id = ?, winning_bid_id = ?, updated_at = ?, closed_at = ?
        WHERE id = ? AND version = ?
    `
	res, err := db.ExecContext(ctx, query,
		nullDecimal(auction.CurrentHighestBid), auction.HighestBidderID, auction.HighestBidID,
		auction.BidCount, auction.EndAt, auction.ExtensionCount, string(auction.State), auction.Version,
		auction.WinnerID, auction.WinningBidID, auction.UpdatedAt, nullTime(auction.ClosedAt),
		auction.ID, expectedVersion)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("auction %s expected at version %d: %w", auction.ID, expectedVersion, domain.ErrConcurrentUpdate)
	}
	return nil
}

func scanAuction(row scanner) (*domain.Auction, error) {
	var (
		a                         domain.Auction
		current                   decimal.NullDecimal
		windowMillis, deltaMillis int64
		state                     string
		closedAt                  sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ListingID, &a.SellerID, &a.StartPrice, &a.MinIncrement, &current,
		&a.HighestBidderID, &a.HighestBidID, &a.BidCount, &a.StartAt, &a.EndAt, &a.ExtensionCount,
		&windowMillis, &deltaMillis, &a.MaxExtensions, &state, &a.Version,
		&a.WinnerID, &a.WinningBidID, &a.CreatedAt, &a.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	if current.Valid {
		v := current.Decimal
		a.CurrentHighestBid = &v
	}
	if closedAt.Valid {
		t := closedAt.Time
		a.ClosedAt = &t
	}
	a.ExtensionWindow = time.Duration(windowMillis) * time.Millisecond
	a.ExtensionDelta = time.Duration(deltaMillis) * time.Millisecond
	a.State = domain.AuctionState(state)
	return &a, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

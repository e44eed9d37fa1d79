package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS auctions (
        id                  VARCHAR(64)   NOT NULL PRIMARY KEY,
        listing_id          VARCHAR(64)   NOT NULL,
        seller_id           VARCHAR(64)   NOT NULL,
        start_price         DECIMAL(18,2) NOT NULL,
        min_increment       DECIMAL(18,2) NOT NULL DEFAULT 0,
        current_highest_bid DECIMAL(18,2) NULL,
        highest_bidder_id   VARCHAR(64)   NOT NULL DEFAULT '',
        highest_bid_id      VARCHAR(64)   NOT NULL DEFAULT '',
        bid_count           INT           NOT NULL DEFAULT 0,
        start_at            DATETIME(6)   NOT NULL,
        end_at              DATETIME(6)   NOT NULL,
        extension_count     INT           NOT NULL DEFAULT 0,
        extension_window_ms BIGINT        NOT NULL DEFAULT 0,
        extension_delta_ms  BIGINT        NOT NULL DEFAULT 0,
        max_extensions      INT           NOT NULL DEFAULT 0,
        state               VARCHAR(16)   NOT NULL,
        version             BIGINT        NOT NULL,
        winner_id           VARCHAR(64)   NOT NULL DEFAULT '',
        winning_bid_id      VARCHAR(64)   NOT NULL DEFAULT '',
        created_at          DATETIME(6)   NOT NULL,
        updated_at          DATETIME(6)   NOT NULL,
        closed_at           DATETIME(6)   NULL,
        INDEX idx_auctions_state (state),
        UNIQUE KEY uq_auctions_listing (listing_id)
    ) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS bids (
        id              VARCHAR(64)   NOT NULL PRIMARY KEY,
        auction_id      VARCHAR(64)   NOT NULL,
        bidder_id       VARCHAR(64)   NOT NULL,
        amount          DECIMAL(18,2) NOT NULL,
        idempotency_key VARCHAR(128)  NOT NULL,
        sequence_number BIGINT        NOT NULL,
        status          VARCHAR(16)   NOT NULL,
        created_at      DATETIME(6)   NOT NULL,
        accepted_at     DATETIME(6)   NULL,
        outcome_current DECIMAL(18,2) NULL,
        outcome_end_at  DATETIME(6)   NOT NULL,
        outcome_min_bid DECIMAL(18,2) NOT NULL,
        outcome_version BIGINT        NOT NULL,
        UNIQUE KEY uq_bids_idempotency (auction_id, idempotency_key),
        UNIQUE KEY uq_bids_sequence (auction_id, sequence_number)
    ) ENGINE=InnoDB`,
}

// EnsureSchema creates the engine tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

package domain

import (
	"errors"
	"fmt"
)

// Error classes surfaced to callers.
var (
	ErrValidation = errors.New("validation error")
	ErrNotOpen    = errors.New("auction not open")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrTransient  = errors.New("transient failure")
)

// Specific errors, each wrapping one of the classes above.
var (
	ErrInvalidBid     = fmt.Errorf("invalid bid: %w", ErrValidation)
	ErrBidTooLow      = fmt.Errorf("bid amount too low: %w", ErrValidation)
	ErrInvalidAuction = fmt.Errorf("invalid auction: %w", ErrValidation)

	ErrAuctionNotFound = fmt.Errorf("auction %w", ErrNotFound)
	ErrBidNotFound     = fmt.Errorf("bid %w", ErrNotFound)
	ErrSnapshotMissing = fmt.Errorf("snapshot %w", ErrNotFound)

	ErrHasBids      = fmt.Errorf("auction already has accepted bids: %w", ErrConflict)
	ErrStaleVersion = fmt.Errorf("stale auction version: %w", ErrConflict)
	ErrConcluded    = fmt.Errorf("auction already concluded: %w", ErrConflict)
	// ErrConcurrentUpdate is returned by storage when a compare-and-swap on the auction version fails.
	ErrConcurrentUpdate = fmt.Errorf("concurrent auction update: %w", ErrConflict)

	ErrNotSeller = fmt.Errorf("caller is not the seller: %w", ErrForbidden)
)

// IsDomainError reports whether err is a business outcome rather than an infrastructure
// failure. Business outcomes are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotOpen) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden)
}

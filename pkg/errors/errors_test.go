package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"auction-engine/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestAsAppError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"bid too low", domain.ErrBidTooLow, CodeBidTooLow, http.StatusUnprocessableEntity},
		{"invalid bid", fmt.Errorf("amount must be positive: %w", domain.ErrInvalidBid), CodeValidation, http.StatusBadRequest},
		{"not open", domain.ErrNotOpen, CodeNotOpen, http.StatusConflict},
		{"has bids", domain.ErrHasBids, CodeConflict, http.StatusConflict},
		{"stale version", domain.ErrStaleVersion, CodeConflict, http.StatusConflict},
		{"not found", domain.ErrAuctionNotFound, CodeNotFound, http.StatusNotFound},
		{"not seller", domain.ErrNotSeller, CodeForbidden, http.StatusForbidden},
		{"transient", fmt.Errorf("%w: connection refused", domain.ErrTransient), CodeUnavailable, http.StatusServiceUnavailable},
		{"unknown", fmt.Errorf("boom"), CodeInternal, http.StatusInternalServerError},
		{"app error", InvalidInput("bad json"), CodeInvalidInput, http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			appErr := AsAppError(tt.err)
			require.Equal(t, tt.code, appErr.Code)
			require.Equal(t, tt.status, appErr.StatusCode())
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrNotOpen)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"code":"NOT_OPEN","message":"auction not open"}`, rec.Body.String())
}

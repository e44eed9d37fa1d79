package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"auction-engine/internal/services"
	apperrors "auction-engine/pkg/errors"
	"auction-engine/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type CreateAuctionRequest struct {
	ListingID              string          `json:"listing_id" validate:"required,max=64"`
	SellerID               string          `json:"seller_id" validate:"required,max=64"`
	StartPrice             decimal.Decimal `json:"start_price"`
	MinIncrement           decimal.Decimal `json:"min_increment"`
	StartAt                *time.Time      `json:"start_at"`
	EndAt                  time.Time       `json:"end_at" validate:"required"`
	ExtensionWindowSeconds *int            `json:"extension_window_seconds" validate:"omitempty,min=0"`
	ExtensionDeltaSeconds  *int            `json:"extension_delta_seconds" validate:"omitempty,min=0"`
	MaxExtensions          *int            `json:"max_extensions" validate:"omitempty,min=0"`
}

type PlaceBidRequest struct {
	BidderID       string          `json:"bidder_id" validate:"required,max=64"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

type CancelAuctionRequest struct {
	SellerID        string `json:"seller_id" validate:"required"`
	ExpectedVersion *int64 `json:"expected_version" validate:"omitempty,min=1"`
}

type AuctionHandler struct {
	engine   *services.Engine
	policy   services.AuctionPolicy
	validate *validator.Validate
	log      logger.Logger
}

// NewAuctionHandler builds the write API. policy fills extension settings a request leaves out.
func NewAuctionHandler(engine *services.Engine, policy services.AuctionPolicy, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		engine:   engine,
		policy:   policy,
		validate: validator.New(),
		log:      log,
	}
}

func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy := h.policy
	if req.ExtensionWindowSeconds != nil {
		policy.ExtensionWindow = time.Duration(*req.ExtensionWindowSeconds) * time.Second
	}
	if req.ExtensionDeltaSeconds != nil {
		policy.ExtensionDelta = time.Duration(*req.ExtensionDeltaSeconds) * time.Second
	}
	if req.MaxExtensions != nil {
		policy.MaxExtensions = *req.MaxExtensions
	}

	create := services.CreateAuctionRequest{
		ListingID:    req.ListingID,
		SellerID:     req.SellerID,
		StartPrice:   req.StartPrice,
		MinIncrement: req.MinIncrement,
		EndAt:        req.EndAt,
		Policy:       &policy,
	}
	if req.StartAt != nil {
		create.StartAt = *req.StartAt
	}

	view, err := h.engine.CreateAuction(r.Context(), create)
	if err != nil {
		h.fail(w, "Failed to create auction", err)
		return
	}
	h.respond(w, http.StatusCreated, view)
}

func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetAuctionState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "Failed to get auction", err)
		return
	}
	h.respond(w, http.StatusOK, view)
}

func (h *AuctionHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if !h.decode(w, r, &req) {
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}

	outcome, err := h.engine.PlaceBid(r.Context(), services.PlaceBidRequest{
		AuctionID:      mux.Vars(r)["id"],
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		appErr := apperrors.AsAppError(err)
		if outcome != nil {
			appErr = cloneWithOutcome(appErr, outcome)
		}
		h.fail(w, "Bid not accepted", appErr)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	h.respond(w, status, outcome)
}

func (h *AuctionHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	bids, err := h.engine.ListBids(r.Context(), mux.Vars(r)["id"], page, perPage)
	if err != nil {
		h.fail(w, "Failed to list bids", err)
		return
	}
	h.respond(w, http.StatusOK, bids)
}

func (h *AuctionHandler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req CancelAuctionRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.engine.CancelAuction(r.Context(), mux.Vars(r)["id"], req.SellerID, req.ExpectedVersion)
	if err != nil {
		h.fail(w, "Failed to cancel auction", err)
		return
	}
	h.respond(w, http.StatusOK, view)
}

func (h *AuctionHandler) SettleAuction(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.SettleAuction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "Failed to settle auction", err)
		return
	}
	h.respond(w, http.StatusOK, view)
}

func (h *AuctionHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *AuctionHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apperrors.WriteError(w, apperrors.InvalidInput("Invalid request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		details := map[string]any{}
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		apperrors.WriteError(w, apperrors.Validation("Request validation failed", details))
		return false
	}
	return true
}

func (h *AuctionHandler) respond(w http.ResponseWriter, status int, data interface{}) {
	if err := apperrors.WriteSuccess(w, status, data); err != nil {
		h.log.Error("Failed to write response", "error", err)
	}
}

func (h *AuctionHandler) fail(w http.ResponseWriter, msg string, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.StatusCode() >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err)
	} else {
		h.log.Info(msg, "code", appErr.Code, "error", err)
	}
	apperrors.WriteError(w, appErr)
}

// cloneWithOutcome attaches the recorded bid outcome so the client can show the new floor.
func cloneWithOutcome(appErr *apperrors.AppError, outcome *services.BidOutcome) *apperrors.AppError {
	c := *appErr
	details := map[string]any{
		"status":       outcome.Status,
		"min_next_bid": outcome.MinNextBid,
		"bid_end_at":   outcome.BidEndAt,
		"version":      outcome.Version,
		"replayed":     outcome.Replayed,
	}
	if outcome.CurrentBid != nil {
		details["current_bid"] = outcome.CurrentBid
	}
	if outcome.Bid != nil {
		details["bid_id"] = outcome.Bid.ID
	}
	return c.WithDetails(details)
}

package handlers

import (
	"net/http"
	"strconv"

	"auction-engine/internal/services"
	apperrors "auction-engine/pkg/errors"
	"auction-engine/pkg/logger"

	"github.com/labstack/echo/v4"
)

// ReadHandler serves the read replica. It only touches the projection, never the arbiter.
type ReadHandler struct {
	projection *services.Projection
	log        logger.Logger
}

func NewReadHandler(projection *services.Projection, log logger.Logger) *ReadHandler {
	return &ReadHandler{
		projection: projection,
		log:        log,
	}
}

func (h *ReadHandler) GetAuction(c echo.Context) error {
	auctionID := c.Param("id")

	view, err := h.projection.State(c.Request().Context(), auctionID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *ReadHandler) ListBids(c echo.Context) error {
	auctionID := c.Param("id")
	page, _ := strconv.Atoi(c.QueryParam("page"))
	perPage, _ := strconv.Atoi(c.QueryParam("per_page"))

	bids, err := h.projection.Bids(c.Request().Context(), auctionID, page, perPage)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, bids)
}

func (h *ReadHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *ReadHandler) fail(c echo.Context, err error) error {
	appErr := apperrors.AsAppError(err)
	if appErr.StatusCode() >= http.StatusInternalServerError {
		h.log.Error("Read request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(appErr.StatusCode(), appErr.Response())
}

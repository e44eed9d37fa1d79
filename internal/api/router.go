package api

import (
	"auction-engine/internal/api/handlers"
	"auction-engine/internal/api/middleware"
	"auction-engine/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewBiddingRouter wires the authoritative write API. ws may be nil.
func NewBiddingRouter(h *handlers.AuctionHandler, ws *handlers.WebSocketHandlers, log logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.CORSWithLogging(log))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", h.CreateAuction).Methods("POST", "OPTIONS")
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.PlaceBid).Methods("POST", "OPTIONS")
	api.HandleFunc("/auctions/{id}/bids", h.ListBids).Methods("GET")
	api.HandleFunc("/auctions/{id}/cancel", h.CancelAuction).Methods("POST", "OPTIONS")
	api.HandleFunc("/auctions/{id}/settle", h.SettleAuction).Methods("POST", "OPTIONS")

	if ws != nil {
		router.HandleFunc("/ws/auction/{auctionID}", ws.HandleConnection)
	}
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// NewReadServer wires the read replica API.
func NewReadServer(h *handlers.ReadHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
	}))

	e.GET("/api/v1/auctions/:id", h.GetAuction)
	e.GET("/api/v1/auctions/:id/bids", h.ListBids)
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

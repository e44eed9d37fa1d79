package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the bidding engine
var (
	BidsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_bids_total",
			Help: "Bid submissions by recorded status",
		},
		[]string{"status"},
	)

	BidReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_bid_replays_total",
			Help: "Bid submissions answered from an earlier idempotency key",
		},
	)

	PlaceBidDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auction_place_bid_duration_seconds",
			Help:    "Latency of PlaceBid including the wait for the auction token",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExtensionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_extensions_total",
			Help: "Anti-snipe extensions applied",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_transitions_total",
			Help: "Auction state transitions by target state",
		},
		[]string{"state"},
	)

	ScheduledAuctions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auction_scheduler_indexed",
			Help: "Auctions currently tracked by the timer scheduler",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_notifications_total",
			Help: "Notification delivery attempts by sink and result",
		},
		[]string{"sink", "result"},
	)
)

var registerOnce sync.Once

// Register adds every engine metric to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BidsTotal,
			BidReplaysTotal,
			PlaceBidDuration,
			ExtensionsTotal,
			TransitionsTotal,
			ScheduledAuctions,
			NotificationsTotal,
		)
	})
}

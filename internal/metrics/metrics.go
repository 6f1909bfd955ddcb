package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed metrics
	FeedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptocraze_feed_ticks_total",
			Help: "Total normalized ticks received from the exchange stream",
		},
		[]string{"symbol"},
	)

	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptocraze_feed_reconnects_total",
			Help: "Total feed reconnection attempts",
		},
	)

	FeedDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptocraze_feed_dropped_frames_total",
			Help: "Total inbound frames discarded during normalization",
		},
	)

	// Shared cache metrics
	PricePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptocraze_price_publishes_total",
			Help: "Total price updates published to the fan-out channel",
		},
		[]string{"symbol"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptocraze_cache_hits_total",
			Help: "Total cache hits by kind",
		},
		[]string{"kind"}, // price, candles
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptocraze_cache_misses_total",
			Help: "Total cache misses by kind",
		},
		[]string{"kind"},
	)

	// Aggregation service metrics
	TrackedSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cryptocraze_tracked_symbols",
			Help: "Number of symbols in the subscription set",
		},
	)

	SyntheticPrices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptocraze_synthetic_prices_total",
			Help: "Total synthetic fallback prices fabricated",
		},
		[]string{"symbol"},
	)

	StatsRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptocraze_stats_refresh_errors_total",
			Help: "Total failed 24h statistics refresh calls",
		},
	)

	RestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptocraze_rest_requests_total",
			Help: "Total exchange REST requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: ok, error
	)
)

package models

// Snapshot sources, in descending freshness.
const (
	SourceStream    = "stream"
	SourceRest      = "rest"
	SourceSynthetic = "synthetic"
)

// Tick is a single trade-price update from the exchange stream.
// Ticks are ephemeral: they are forwarded, never persisted.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // exchange timestamp, milliseconds
}

// PriceSnapshot is the latest known price plus 24h stats for one symbol.
// One logical snapshot per symbol, replaced in place on every update.
// ObservedAt is monotonic within a single writer's process view only;
// consumers must treat it as freshness, not as a distributed clock.
type PriceSnapshot struct {
	Symbol                string  `json:"symbol"`
	Price                 float64 `json:"price"`
	Volume24h             float64 `json:"volume_24h"`
	PriceChange24hPercent float64 `json:"price_change_24h_percent"`
	ObservedAt            int64   `json:"observed_at"` // milliseconds
	Source                string  `json:"source"`      // stream, rest, synthetic
}

// Stats24h is the result of a 24h ticker statistics REST call.
type Stats24h struct {
	Symbol                string  `json:"symbol"`
	LastPrice             float64 `json:"last_price"`
	Volume24h             float64 `json:"volume_24h"`
	PriceChange24hPercent float64 `json:"price_change_24h_percent"`
}

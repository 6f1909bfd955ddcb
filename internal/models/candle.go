package models

// Candle represents a single OHLCV bar sourced from REST history calls.
type Candle struct {
	OpenTime int64   `json:"open_time"` // Milliseconds
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// ValidIntervals returns list of valid intervals
func ValidIntervals() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}
}

// IsValidInterval reports whether interval is a recognized candle interval.
func IsValidInterval(interval string) bool {
	for _, v := range ValidIntervals() {
		if v == interval {
			return true
		}
	}
	return false
}

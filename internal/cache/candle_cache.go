package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/metrics"
	"github.com/tkachev-artem/cryptocraze-market/internal/models"

	"github.com/sirupsen/logrus"
)

// CandleCache caches REST-sourced candle sets. Entries use a randomized
// TTL within a fixed band so many symbols' entries never expire in the
// same instant and stampede the REST client with regeneration requests.
type CandleCache struct {
	store  Store
	logger *logrus.Logger
	ttlMin time.Duration
	ttlMax time.Duration
}

func NewCandleCache(store Store, ttlMin, ttlMax time.Duration, logger *logrus.Logger) *CandleCache {
	return &CandleCache{
		store:  store,
		logger: logger,
		ttlMin: ttlMin,
		ttlMax: ttlMax,
	}
}

// CandleKey returns the cache key for a symbol and interval.
func CandleKey(symbol, interval string) string {
	return fmt.Sprintf("candles:%s:%s", strings.ToUpper(symbol), interval)
}

// RandomTTL draws a TTL uniformly from [min, max).
func RandomTTL(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Set caches candles. A zero ttl draws one from the randomized band.
func (c *CandleCache) Set(ctx context.Context, symbol, interval string, candles []models.Candle, ttl time.Duration) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = RandomTTL(c.ttlMin, c.ttlMax)
	}

	if err := c.store.Set(ctx, CandleKey(symbol, interval), string(data), ttl); err != nil {
		c.logger.WithError(err).Warnf("Failed to cache candles for %s %s", symbol, interval)
	}
	return nil
}

// Get retrieves cached candles, or nil when missing or unreachable.
func (c *CandleCache) Get(ctx context.Context, symbol, interval string) ([]models.Candle, error) {
	data, err := c.store.Get(ctx, CandleKey(symbol, interval))
	if err != nil {
		if err != ErrNotFound {
			c.logger.WithError(err).Warnf("Candle cache read failed for %s %s", symbol, interval)
		}
		metrics.CacheMisses.WithLabelValues("candles").Inc()
		return nil, nil
	}

	var candles []models.Candle
	if err := json.Unmarshal([]byte(data), &candles); err != nil {
		c.logger.WithError(err).Warnf("Corrupt candle cache entry for %s %s", symbol, interval)
		return nil, nil
	}

	metrics.CacheHits.WithLabelValues("candles").Inc()
	return candles, nil
}

package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/metrics"
	"github.com/tkachev-artem/cryptocraze-market/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	priceKeyPrefix     = "price:"
	priceChannelPrefix = "price_update:"
)

// PriceCache stores the latest snapshot per symbol and fans each write out
// on a per-symbol broadcast channel, so every process observes updates
// regardless of which one holds the live exchange connection.
//
// Reads and writes fail soft: on connection loss callers get nil back and
// degrade to direct-fetch fallback instead of crashing.
type PriceCache struct {
	store  Store
	logger *logrus.Logger
	ttl    time.Duration
}

func NewPriceCache(store Store, ttl time.Duration, logger *logrus.Logger) *PriceCache {
	return &PriceCache{
		store:  store,
		logger: logger,
		ttl:    ttl,
	}
}

// PriceKey returns the cache key for a symbol.
func PriceKey(symbol string) string {
	return priceKeyPrefix + strings.ToUpper(symbol)
}

// PriceChannel returns the broadcast channel for a symbol.
func PriceChannel(symbol string) string {
	return priceChannelPrefix + strings.ToUpper(symbol)
}

// SetPrice writes the snapshot with TTL and publishes the same payload on
// the symbol's channel. Both effects are best-effort; a publish failure
// never rolls back or blocks the cache write.
func (c *PriceCache) SetPrice(ctx context.Context, symbol string, snapshot *models.PriceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	payload := string(data)

	if err := c.store.Set(ctx, PriceKey(symbol), payload, c.ttl); err != nil {
		c.logger.WithError(err).Warnf("Failed to cache price for %s", symbol)
	}

	if err := c.store.Publish(ctx, PriceChannel(symbol), payload); err != nil {
		c.logger.WithError(err).Warnf("Failed to publish price update for %s", symbol)
		return nil
	}
	metrics.PricePublishes.WithLabelValues(strings.ToUpper(symbol)).Inc()

	return nil
}

// SetBatchPrices writes all snapshots as one pipelined operation but still
// publishes each symbol's update as a separate message; pub/sub has no
// batch primitive and consumers rely on one event per symbol update.
func (c *PriceCache) SetBatchPrices(ctx context.Context, snapshots map[string]*models.PriceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	entries := make(map[string]string, len(snapshots))
	payloads := make(map[string]string, len(snapshots))
	for symbol, snapshot := range snapshots {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		entries[PriceKey(symbol)] = string(data)
		payloads[symbol] = string(data)
	}

	if err := c.store.SetBatch(ctx, entries, c.ttl); err != nil {
		c.logger.WithError(err).Warn("Failed to batch cache prices")
	}

	for symbol, payload := range payloads {
		if err := c.store.Publish(ctx, PriceChannel(symbol), payload); err != nil {
			c.logger.WithError(err).Warnf("Failed to publish price update for %s", symbol)
			continue
		}
		metrics.PricePublishes.WithLabelValues(strings.ToUpper(symbol)).Inc()
	}

	return nil
}

// GetPrice retrieves the cached snapshot, or nil when missing or the
// store is unreachable.
func (c *PriceCache) GetPrice(ctx context.Context, symbol string) (*models.PriceSnapshot, error) {
	data, err := c.store.Get(ctx, PriceKey(symbol))
	if err != nil {
		if err != ErrNotFound {
			c.logger.WithError(err).Warnf("Price cache read failed for %s", symbol)
		}
		metrics.CacheMisses.WithLabelValues("price").Inc()
		return nil, nil
	}

	var snapshot models.PriceSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		c.logger.WithError(err).Warnf("Corrupt price cache entry for %s", symbol)
		return nil, nil
	}

	metrics.CacheHits.WithLabelValues("price").Inc()
	return &snapshot, nil
}

// GetAllPrices retrieves every cached snapshot keyed by symbol.
func (c *PriceCache) GetAllPrices(ctx context.Context) (map[string]*models.PriceSnapshot, error) {
	keys, err := c.store.Keys(ctx, priceKeyPrefix+"*")
	if err != nil {
		c.logger.WithError(err).Warn("Price cache scan failed")
		return map[string]*models.PriceSnapshot{}, nil
	}

	out := make(map[string]*models.PriceSnapshot, len(keys))
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var snapshot models.PriceSnapshot
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, priceKeyPrefix)] = &snapshot
	}

	return out, nil
}

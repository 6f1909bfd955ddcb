package prices

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/config"
	"github.com/tkachev-artem/cryptocraze-market/internal/metrics"
	"github.com/tkachev-artem/cryptocraze-market/internal/models"
	"github.com/tkachev-artem/cryptocraze-market/internal/symbols"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupportedSymbol is returned for symbols outside the allow-list.
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	// ErrUnsupportedInterval is returned for unrecognized candle intervals.
	ErrUnsupportedInterval = errors.New("unsupported interval")
)

// FeedClient is the streaming side of the pipeline.
type FeedClient interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
}

// RestClient polls the exchange REST endpoints.
type RestClient interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	Get24hStats(ctx context.Context, symbol string) (*models.Stats24h, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// SharedCache is the cross-process snapshot store and fan-out.
type SharedCache interface {
	SetPrice(ctx context.Context, symbol string, snapshot *models.PriceSnapshot) error
	SetBatchPrices(ctx context.Context, snapshots map[string]*models.PriceSnapshot) error
	GetPrice(ctx context.Context, symbol string) (*models.PriceSnapshot, error)
	GetAllPrices(ctx context.Context) (map[string]*models.PriceSnapshot, error)
}

// CandleStore caches REST-sourced candle sets.
type CandleStore interface {
	Set(ctx context.Context, symbol, interval string, candles []models.Candle, ttl time.Duration) error
	Get(ctx context.Context, symbol, interval string) ([]models.Candle, error)
}

// SnapshotListener receives locally produced price updates.
type SnapshotListener func(*models.PriceSnapshot)

type symbolState struct {
	snapshot   models.PriceSnapshot
	lastTickAt time.Time
}

// Service merges three price sources per tracked symbol, in descending
// freshness: live ticks (price only), periodic REST 24h stats
// (volume/change only), and a REST fallback poll when the whole stream has
// gone silent. When even REST fails it fabricates a synthetic price so
// dependent consumers never see a hard failure.
type Service struct {
	registry *symbols.Registry
	feed     FeedClient
	rest     RestClient
	prices   SharedCache
	candles  CandleStore
	cfg      *config.ServiceConfig
	logger   *logrus.Logger

	mu      sync.RWMutex
	tracked map[string]*symbolState

	listenersMu sync.RWMutex
	listeners   []SnapshotListener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates the aggregation service
func NewService(
	registry *symbols.Registry,
	feed FeedClient,
	rest RestClient,
	prices SharedCache,
	candles CandleStore,
	cfg *config.ServiceConfig,
	logger *logrus.Logger,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		registry: registry,
		feed:     feed,
		rest:     rest,
		prices:   prices,
		candles:  candles,
		cfg:      cfg,
		logger:   logger,
		tracked:  make(map[string]*symbolState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the periodic stats refresh and the stream-silence
// fallback watchdog.
func (s *Service) Start() {
	go s.statsRefreshLoop()
	go s.fallbackLoop()
}

// OnPriceUpdate registers a listener for locally produced snapshots.
// Listeners run on the producing goroutine and must not block.
func (s *Service) OnPriceUpdate(listener SnapshotListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// AddSymbol registers a symbol, subscribes it on the feed and seeds an
// initial snapshot via REST so the first read never returns empty. When
// the seed fetch fails the symbol stays registered and a synthetic
// snapshot is emitted instead; availability wins over blocking.
func (s *Service) AddSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	if !s.registry.IsSupported(symbol) {
		return fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}

	s.mu.Lock()
	if _, exists := s.tracked[symbol]; exists {
		s.mu.Unlock()
		return nil
	}
	s.tracked[symbol] = &symbolState{}
	count := len(s.tracked)
	s.mu.Unlock()
	metrics.TrackedSymbols.Set(float64(count))

	s.feed.Subscribe(symbol)

	var snapshot models.PriceSnapshot
	stats, err := s.rest.Get24hStats(ctx, symbol)
	if err != nil {
		s.logger.WithError(err).Warnf("Seed fetch failed for %s, using synthetic price", symbol)
		snapshot = s.syntheticSnapshot(symbol, nil)
	} else {
		snapshot = models.PriceSnapshot{
			Symbol:                symbol,
			Price:                 stats.LastPrice,
			Volume24h:             stats.Volume24h,
			PriceChange24hPercent: stats.PriceChange24hPercent,
			ObservedAt:            time.Now().UnixMilli(),
			Source:                models.SourceRest,
		}
	}

	s.applySnapshot(&snapshot)
	return nil
}

// RemoveSymbol drops a symbol from tracking and the feed.
func (s *Service) RemoveSymbol(symbol string) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	if _, exists := s.tracked[symbol]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.tracked, symbol)
	count := len(s.tracked)
	s.mu.Unlock()
	metrics.TrackedSymbols.Set(float64(count))

	s.feed.Unsubscribe(symbol)
}

// HandleTick folds a streamed tick into the tracked snapshot. Ticks carry
// price only; previously known volume/change fields are carried forward.
func (s *Service) HandleTick(tick models.Tick) {
	s.mu.Lock()
	state, ok := s.tracked[tick.Symbol]
	if !ok {
		s.mu.Unlock()
		return
	}

	prev := state.snapshot
	snapshot := models.PriceSnapshot{
		Symbol:                tick.Symbol,
		Price:                 tick.Price,
		Volume24h:             prev.Volume24h,
		PriceChange24hPercent: prev.PriceChange24hPercent,
		ObservedAt:            tick.Timestamp,
		Source:                models.SourceStream,
	}
	state.snapshot = snapshot
	state.lastTickAt = time.Now()
	s.mu.Unlock()

	if err := s.prices.SetPrice(s.ctx, tick.Symbol, &snapshot); err != nil {
		s.logger.WithError(err).Debugf("Failed to share tick for %s", tick.Symbol)
	}
	s.emit(&snapshot)
}

// ApplyRemoteSnapshot folds a snapshot received over the fan-out channel
// from another process into local state and re-emits it to local
// listeners. No cache write: the publishing process already did that.
// Stream-sourced snapshots count as tick activity here; for a consumer
// process the fan-out channel is the tick source, and a live remote
// stream must keep the REST fallback quiet.
func (s *Service) ApplyRemoteSnapshot(snapshot *models.PriceSnapshot) {
	s.mu.Lock()
	state, ok := s.tracked[snapshot.Symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.snapshot = *snapshot
	if snapshot.Source == models.SourceStream {
		state.lastTickAt = time.Now()
	}
	s.mu.Unlock()

	s.emit(snapshot)
}

// GetPrice returns this process's in-memory snapshot for the symbol.
func (s *Service) GetPrice(symbol string) *models.PriceSnapshot {
	symbol = strings.ToUpper(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.tracked[symbol]
	if !ok || state.snapshot.Symbol == "" {
		return nil
	}
	snapshot := state.snapshot
	return &snapshot
}

// GetPriceFromSharedCache returns the cross-process snapshot, reflecting
// whichever process holds the live exchange connection.
func (s *Service) GetPriceFromSharedCache(ctx context.Context, symbol string) (*models.PriceSnapshot, error) {
	return s.prices.GetPrice(ctx, symbol)
}

// GetCandlestickData returns historical candles, cache first then REST.
// There is no synthetic substitute for OHLC history: a REST failure here
// propagates to the caller.
func (s *Service) GetCandlestickData(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	symbol = strings.ToUpper(symbol)
	if !s.registry.IsSupported(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}
	if !models.IsValidInterval(interval) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterval, interval)
	}

	if limit <= 0 {
		limit = s.cfg.DefaultCandlesLimit
	}
	if limit > s.cfg.MaxCandlesLimit {
		limit = s.cfg.MaxCandlesLimit
	}

	if cached, _ := s.candles.Get(ctx, symbol, interval); len(cached) >= limit {
		return cached[len(cached)-limit:], nil
	}

	candles, err := s.rest.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s %s: %w", symbol, interval, err)
	}

	_ = s.candles.Set(ctx, symbol, interval, candles, 0)
	return candles, nil
}

// TrackedSymbols returns the current subscription set.
func (s *Service) TrackedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tracked))
	for symbol := range s.tracked {
		out = append(out, symbol)
	}
	return out
}

// Shutdown cancels the background timers, unsubscribes every tracked
// symbol and clears in-memory state. Unsubscribe errors are irrelevant at
// teardown and swallowed.
func (s *Service) Shutdown() {
	s.cancel()

	s.mu.Lock()
	tracked := s.tracked
	s.tracked = make(map[string]*symbolState)
	s.mu.Unlock()
	metrics.TrackedSymbols.Set(0)

	for symbol := range tracked {
		s.feed.Unsubscribe(symbol)
	}
}

// statsRefreshLoop periodically folds REST 24h statistics into tracked
// snapshots.
func (s *Service) statsRefreshLoop() {
	ticker := time.NewTicker(s.cfg.StatsRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshStats()
		}
	}
}

// refreshStats updates volume/change fields only, never the price, and
// never fires local price-update listeners; only the tick path emits
// price events. Batches are serialized with an inter-batch pause as
// deliberate backpressure against the exchange rate limiter.
func (s *Service) refreshStats() {
	tracked := s.TrackedSymbols()

	for start := 0; start < len(tracked); start += s.cfg.StatsBatchSize {
		end := start + s.cfg.StatsBatchSize
		if end > len(tracked) {
			end = len(tracked)
		}

		updated := make(map[string]*models.PriceSnapshot)
		for _, symbol := range tracked[start:end] {
			stats, err := s.rest.Get24hStats(s.ctx, symbol)
			if err != nil {
				metrics.StatsRefreshErrors.Inc()
				s.logger.WithError(err).Debugf("Stats refresh failed for %s", symbol)
				continue
			}

			s.mu.Lock()
			state, ok := s.tracked[symbol]
			if !ok {
				// Removed mid-refresh; discard the result.
				s.mu.Unlock()
				continue
			}
			state.snapshot.Volume24h = stats.Volume24h
			state.snapshot.PriceChange24hPercent = stats.PriceChange24hPercent
			snapshot := state.snapshot
			s.mu.Unlock()

			if snapshot.Symbol != "" {
				updated[symbol] = &snapshot
			}
		}

		if len(updated) > 0 {
			if err := s.prices.SetBatchPrices(s.ctx, updated); err != nil {
				s.logger.WithError(err).Warn("Failed to share refreshed stats")
			}
		}

		if end < len(tracked) {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.StatsBatchPause):
			}
		}
	}
}

// fallbackLoop polls REST for prices when the stream has gone silent.
func (s *Service) fallbackLoop() {
	ticker := time.NewTicker(s.cfg.FallbackCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runFallback()
		}
	}
}

// runFallback refreshes every tracked symbol via REST, but only when none
// of them saw a tick within the liveness window. Partial staleness, where
// some symbols are still live, never triggers the expensive full poll.
func (s *Service) runFallback() {
	window := s.cfg.TickLivenessWindow

	s.mu.RLock()
	stale := make([]string, 0, len(s.tracked))
	for symbol, state := range s.tracked {
		if time.Since(state.lastTickAt) < window {
			s.mu.RUnlock()
			return
		}
		stale = append(stale, symbol)
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return
	}
	s.logger.Warnf("No ticks within %v for any of %d symbols, polling REST", window, len(stale))

	for _, symbol := range stale {
		var snapshot models.PriceSnapshot

		price, err := s.rest.GetPrice(s.ctx, symbol)
		if err != nil {
			s.logger.WithError(err).Warnf("Fallback fetch failed for %s, using synthetic price", symbol)
			prev := s.GetPrice(symbol)
			snapshot = s.syntheticSnapshot(symbol, prev)
		} else {
			prev := s.GetPrice(symbol)
			snapshot = models.PriceSnapshot{
				Symbol:     symbol,
				Price:      price,
				ObservedAt: time.Now().UnixMilli(),
				Source:     models.SourceRest,
			}
			if prev != nil {
				snapshot.Volume24h = prev.Volume24h
				snapshot.PriceChange24hPercent = prev.PriceChange24hPercent
			}
		}

		s.applySnapshot(&snapshot)
	}
}

// syntheticSnapshot fabricates a deterministic-but-varied price from the
// registry's base table plus bounded jitter. Last-resort degradation:
// consumers receive it like any other snapshot, distinguished only by the
// source tag and a warning log.
func (s *Service) syntheticSnapshot(symbol string, prev *models.PriceSnapshot) models.PriceSnapshot {
	base := s.registry.BasePrice(symbol)
	jitter := (rand.Float64()*2 - 1) * s.cfg.SyntheticVolatility
	price := base * (1 + jitter)

	snapshot := models.PriceSnapshot{
		Symbol:     symbol,
		Price:      price,
		ObservedAt: time.Now().UnixMilli(),
		Source:     models.SourceSynthetic,
	}
	if prev != nil {
		snapshot.Volume24h = prev.Volume24h
		snapshot.PriceChange24hPercent = prev.PriceChange24hPercent
	}

	metrics.SyntheticPrices.WithLabelValues(symbol).Inc()
	s.logger.Warnf("Serving synthetic price %.8f for %s", price, symbol)
	return snapshot
}

// applySnapshot stores a snapshot, shares it and fires local listeners.
// Discards the snapshot when the symbol was removed mid-flight.
func (s *Service) applySnapshot(snapshot *models.PriceSnapshot) {
	s.mu.Lock()
	state, ok := s.tracked[snapshot.Symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.snapshot = *snapshot
	s.mu.Unlock()

	if err := s.prices.SetPrice(s.ctx, snapshot.Symbol, snapshot); err != nil {
		s.logger.WithError(err).Debugf("Failed to share snapshot for %s", snapshot.Symbol)
	}
	s.emit(snapshot)
}

func (s *Service) emit(snapshot *models.PriceSnapshot) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

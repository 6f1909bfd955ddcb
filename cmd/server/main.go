package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/cache"
	"github.com/tkachev-artem/cryptocraze-market/internal/config"
	"github.com/tkachev-artem/cryptocraze-market/internal/feed"
	"github.com/tkachev-artem/cryptocraze-market/internal/pubsub"
	"github.com/tkachev-artem/cryptocraze-market/internal/rest"
	pricesService "github.com/tkachev-artem/cryptocraze-market/internal/services/prices"
	"github.com/tkachev-artem/cryptocraze-market/internal/symbols"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting CryptoCraze Market Service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	// Set log level
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	// Redis connections: the cache role and the subscriber role use
	// separate connections, a client in subscribe mode cannot issue
	// ordinary commands.
	logger.Info("Connecting to Redis...")
	cacheClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	subscriberClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cacheClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer cacheClient.Close()
	defer subscriberClient.Close()
	logger.Info("Redis connected successfully")

	// Symbol allow-list with synthetic base prices
	registry := symbols.LoadWithFallback(cfg.Symbols.File)
	logger.Infof("Loaded %d supported symbols", len(registry.Symbols()))

	// Shared cache and fan-out
	store := cache.NewRedisStore(cacheClient)
	priceCache := cache.NewPriceCache(store, cfg.Cache.PriceTTL, logger)
	candleCache := cache.NewCandleCache(store, cfg.Cache.CandleTTLMin, cfg.Cache.CandleTTLMax, logger)

	subscriber := pubsub.NewSubscriber(subscriberClient, cfg.Cache.SubscriberRetryDelay, logger)
	subscriber.Start(ctx)

	// REST client and feed client
	restClient := rest.NewClient(&cfg.Rest, logger)
	feedClient := feed.NewClient(&cfg.Feed, logger)

	// Aggregation service
	priceSvc := pricesService.NewService(registry, feedClient, restClient, priceCache, candleCache, &cfg.Service, logger)
	feedClient.OnTick(priceSvc.HandleTick)
	priceSvc.Start()

	// Exactly one deployed instance runs the ingestion role; the rest
	// observe ticks through the subscriber.
	if cfg.Feed.Enabled {
		logger.Info("Starting exchange feed client...")
		feedClient.Start()
	} else {
		logger.Info("Feed disabled - consuming prices via pub/sub only")
		subscriber.OnPriceUpdate(priceSvc.ApplyRemoteSnapshot)
	}

	// Track the default symbol set
	for _, symbol := range registry.Symbols() {
		if err := priceSvc.AddSymbol(ctx, symbol); err != nil {
			logger.WithError(err).Warnf("Failed to add symbol %s", symbol)
		}
	}

	// Start HTTP server for health checks and metrics
	go startHTTPServer(cfg, logger, priceSvc)

	logger.Infof("CryptoCraze Market Service v%s started successfully", version)
	logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	priceSvc.Shutdown()
	feedClient.Shutdown()
	cancel()

	time.Sleep(1 * time.Second)
	logger.Info("Shutdown complete")
}

func startHTTPServer(cfg *config.Config, logger *logrus.Logger, priceSvc *pricesService.Service) {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"healthy":true,"version":"%s","uptime_seconds":%d}`,
			version, int64(time.Since(startTime).Seconds()))
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Debug endpoint: local in-memory snapshots
	mux.HandleFunc("/api/v1/prices", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]interface{})
		for _, symbol := range priceSvc.TrackedSymbols() {
			if snapshot := priceSvc.GetPrice(symbol); snapshot != nil {
				out[symbol] = snapshot
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(out)
	})

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Infof("HTTP server starting on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("HTTP server failed: ", err)
	}
}

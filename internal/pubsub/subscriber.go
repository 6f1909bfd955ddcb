package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// SnapshotHandler receives snapshots published on a price channel.
type SnapshotHandler func(*models.PriceSnapshot)

// Subscriber is the process-local fan-in over the price broadcast
// channels. One wildcard pattern subscription covers all symbols, and
// every received payload is re-emitted to the registered in-process
// listeners, so any number of local consumers observe updates without
// each holding their own subscription.
//
// The subscriber owns a dedicated client: a connection in subscribe mode
// cannot issue ordinary commands, so the cache role never shares it.
type Subscriber struct {
	client     *redis.Client
	logger     *logrus.Logger
	retryDelay time.Duration

	mu        sync.RWMutex
	listeners []SnapshotHandler
}

func NewSubscriber(client *redis.Client, retryDelay time.Duration, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		client:     client,
		logger:     logger,
		retryDelay: retryDelay,
	}
}

// OnPriceUpdate registers a listener for cross-process price updates.
// Listeners run on the receive goroutine and must not block.
func (s *Subscriber) OnPriceUpdate(handler SnapshotHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, handler)
}

// Start runs the receive loop until ctx is cancelled, reconnecting with a
// fixed delay whenever the subscription drops.
func (s *Subscriber) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Subscriber) run(ctx context.Context) {
	for {
		if err := s.receive(ctx); err != nil {
			s.logger.WithError(err).Warn("Price subscription lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Subscriber) receive(ctx context.Context) error {
	sub := s.client.PSubscribe(ctx, "price_update:*")
	defer sub.Close()

	ch := sub.Channel()
	s.logger.Info("Subscribed to price update channels")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			s.dispatch([]byte(msg.Payload))
		}
	}
}

// dispatch decodes one published payload and fans it out locally.
// Malformed payloads are dropped; a bad message from one publisher must
// not take down every consumer in the process.
func (s *Subscriber) dispatch(payload []byte) {
	var snapshot models.PriceSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		s.logger.WithError(err).Debug("Dropping malformed price update")
		return
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	for _, handler := range listeners {
		handler(&snapshot)
	}
}

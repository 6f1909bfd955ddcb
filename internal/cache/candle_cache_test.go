package cache

import (
	"context"
	"testing"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/models"
)

func TestRandomTTLSpreadsAcrossBand(t *testing.T) {
	min := 60 * time.Second
	max := 120 * time.Second
	mid := min + (max-min)/2

	seen := make(map[time.Duration]bool)
	var lowHalf, highHalf int
	for i := 0; i < 100; i++ {
		ttl := RandomTTL(min, max)
		if ttl < min || ttl >= max {
			t.Fatalf("ttl %v outside band [%v, %v)", ttl, min, max)
		}
		seen[ttl] = true
		if ttl < mid {
			lowHalf++
		} else {
			highHalf++
		}
	}

	// A constant, or a draw stuck on one side of the band, would
	// recreate the stampede the jitter exists to prevent.
	if len(seen) < 10 {
		t.Errorf("only %d distinct ttls in 100 draws", len(seen))
	}
	if lowHalf == 0 || highHalf == 0 {
		t.Errorf("draws not spread across band: low=%d high=%d", lowHalf, highHalf)
	}
}

func TestRandomTTLDegenerateBand(t *testing.T) {
	if ttl := RandomTTL(time.Minute, time.Minute); ttl != time.Minute {
		t.Errorf("ttl = %v, want band minimum", ttl)
	}
}

func TestSetDrawsTTLFromBandWhenUnspecified(t *testing.T) {
	store := newFakeStore()
	cc := NewCandleCache(store, 60*time.Second, 120*time.Second, testLogger())
	ctx := context.Background()

	candles := []models.Candle{{OpenTime: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}
	if err := cc.Set(ctx, "BTCUSDT", "1m", candles, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ttl := store.ttls["candles:BTCUSDT:1m"]
	if ttl < 60*time.Second || ttl >= 120*time.Second {
		t.Errorf("ttl %v outside band", ttl)
	}
}

func TestSetHonorsExplicitTTL(t *testing.T) {
	store := newFakeStore()
	cc := NewCandleCache(store, 60*time.Second, 120*time.Second, testLogger())
	ctx := context.Background()

	if err := cc.Set(ctx, "BTCUSDT", "1h", nil, 5*time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := store.ttls["candles:BTCUSDT:1h"]; ttl != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", ttl)
	}
}

func TestCandleRoundTripAndMiss(t *testing.T) {
	store := newFakeStore()
	cc := NewCandleCache(store, 60*time.Second, 120*time.Second, testLogger())
	ctx := context.Background()

	if got, err := cc.Get(ctx, "BTCUSDT", "1m"); got != nil || err != nil {
		t.Errorf("miss = (%v, %v), want (nil, nil)", got, err)
	}

	candles := []models.Candle{
		{OpenTime: 1, Open: 100, High: 110, Low: 90, Close: 105, Volume: 12},
		{OpenTime: 2, Open: 105, High: 120, Low: 100, Close: 118, Volume: 9},
	}
	_ = cc.Set(ctx, "BTCUSDT", "1m", candles, 0)

	got, err := cc.Get(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 2 || got[1].Close != 118 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

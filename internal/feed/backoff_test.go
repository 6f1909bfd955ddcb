package feed

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	prevMin := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		expectedMin := base << attempt
		if expectedMin > max {
			expectedMin = max
		}

		delay := Backoff(attempt, base, max)
		if delay < expectedMin {
			t.Errorf("attempt %d: delay %v below minimum %v", attempt, delay, expectedMin)
		}
		if delay > max+base {
			t.Errorf("attempt %d: delay %v above cap %v plus jitter", attempt, delay, max+base)
		}
		if expectedMin < prevMin {
			t.Errorf("attempt %d: deterministic part shrank", attempt)
		}
		prevMin = expectedMin
	}
}

func TestBackoffJitterVaries(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[Backoff(3, base, max)] = true
	}

	if len(seen) < 2 {
		t.Error("expected jitter to vary delays across calls")
	}
}

func TestBackoffDefendsDegenerateInputs(t *testing.T) {
	if d := Backoff(0, 0, 0); d <= 0 {
		t.Errorf("zero base/max produced non-positive delay %v", d)
	}
	if d := Backoff(100, time.Second, 5*time.Second); d > 6*time.Second {
		t.Errorf("huge attempt escaped the cap: %v", d)
	}
}

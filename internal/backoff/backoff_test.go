package backoff

import (
	"context"
	"testing"
	"time"
)

func TestCalculateGrowsAndCaps(t *testing.T) {
	b := NewWithSeed(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0, // deterministic
	}, 1)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second}, // capped
		{9, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Calculate(tt.attempt); got != tt.want {
			t.Errorf("Calculate(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalculateJitterStaysInBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
	b := NewWithSeed(cfg, 42)

	for attempt := 0; attempt < 6; attempt++ {
		base := float64(cfg.InitialDelay) * pow2(attempt)
		lo := time.Duration(base * 0.8)
		hi := time.Duration(base * 1.2)
		for i := 0; i < 50; i++ {
			got := b.Calculate(attempt)
			if got < lo || got > hi {
				t.Fatalf("Calculate(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func TestNegativeAttemptTreatedAsZero(t *testing.T) {
	b := NewWithSeed(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}, 1)
	if got := b.Calculate(-5); got != time.Second {
		t.Errorf("Calculate(-5) = %v, want 1s", got)
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	b := NewWithSeed(Config{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	start := time.Now()
	err := b.Sleep(ctx, 0)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Sleep blocked for %v despite cancel", elapsed)
	}
}

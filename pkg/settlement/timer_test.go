package settlement

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestExpiryTimerRemainingClampedAtZero(t *testing.T) {
	past := NewExpiryTimer(time.Now().Add(-time.Minute), nil)
	if got := past.Remaining(); got != 0 {
		t.Errorf("Expected zero remaining for past expiry, got %v", got)
	}

	future := NewExpiryTimer(time.Now().Add(10*time.Minute), nil)
	got := future.Remaining()
	if got <= 0 || got > 10*time.Minute {
		t.Errorf("Expected remaining in (0, 10m], got %v", got)
	}
}

func TestExpiryTimerPastExpiryEmitsZeroAndExits(t *testing.T) {
	var mu sync.Mutex
	var ticks []time.Duration

	timer := NewExpiryTimer(time.Now().Add(-time.Second), func(remaining time.Duration) {
		mu.Lock()
		ticks = append(ticks, remaining)
		mu.Unlock()
	})

	go timer.Start(context.Background())

	select {
	case <-timer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer did not exit for an already-expired window")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 1 {
		t.Fatalf("Expected exactly one tick, got %d", len(ticks))
	}
	if ticks[0] != 0 {
		t.Errorf("Expected zero remaining, got %v", ticks[0])
	}
}

func TestExpiryTimerNeverNegative(t *testing.T) {
	var mu sync.Mutex
	var ticks []time.Duration

	// Expires between the first and second tick so the countdown crosses zero
	// while running.
	timer := NewExpiryTimer(time.Now().Add(1200*time.Millisecond), func(remaining time.Duration) {
		mu.Lock()
		ticks = append(ticks, remaining)
		mu.Unlock()
	})

	go timer.Start(context.Background())

	select {
	case <-timer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timer did not finish its countdown")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) < 2 {
		t.Fatalf("Expected at least two ticks, got %d", len(ticks))
	}
	for i, tick := range ticks {
		if tick < 0 {
			t.Errorf("Tick %d reported negative remaining %v", i, tick)
		}
	}
	if last := ticks[len(ticks)-1]; last != 0 {
		t.Errorf("Expected final tick to report zero, got %v", last)
	}
}

func TestExpiryTimerStop(t *testing.T) {
	timer := NewExpiryTimer(time.Now().Add(time.Hour), nil)

	go timer.Start(context.Background())
	timer.Stop()

	select {
	case <-timer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer did not exit after Stop")
	}

	// Stopping again must not panic.
	timer.Stop()
}

func TestExpiryTimerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := NewExpiryTimer(time.Now().Add(time.Hour), nil)

	go timer.Start(ctx)
	cancel()

	select {
	case <-timer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer did not exit after context cancellation")
	}
}

package settlement

import (
	"context"
	"sync"
	"time"
)

// ExpiryTimer is the client-local countdown for one payment window. It is
// advisory display state only and never writes anything: the server settles
// expiry on its own clock. Remaining time is clamped at zero so consumers
// never render a negative countdown.
type ExpiryTimer struct {
	expiresAt time.Time
	onTick    func(remaining time.Duration)
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewExpiryTimer creates a countdown toward expiresAt. onTick fires once per
// second with the clamped remaining duration; the final tick reports zero.
func NewExpiryTimer(expiresAt time.Time, onTick func(remaining time.Duration)) *ExpiryTimer {
	return &ExpiryTimer{
		expiresAt: expiresAt,
		onTick:    onTick,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Remaining returns the time left in the payment window, clamped at zero.
func (t *ExpiryTimer) Remaining() time.Duration {
	remaining := t.expiresAt.Sub(t.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Start runs the countdown until it reaches zero, Stop is called, or ctx is
// cancelled. It blocks; callers run it in a goroutine.
func (t *ExpiryTimer) Start(ctx context.Context) {
	defer close(t.done)

	remaining := t.Remaining()
	if t.onTick != nil {
		t.onTick(remaining)
	}
	if remaining == 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			remaining := t.Remaining()
			if t.onTick != nil {
				t.onTick(remaining)
			}
			if remaining == 0 {
				return
			}
		}
	}
}

// Stop cancels the countdown. Safe to call more than once and after the
// timer has already run out.
func (t *ExpiryTimer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Done is closed when the countdown goroutine has exited.
func (t *ExpiryTimer) Done() <-chan struct{} {
	return t.done
}

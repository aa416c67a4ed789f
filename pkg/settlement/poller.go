package settlement

import (
	"context"
	"sync"
	"time"

	"tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/models"
)

// PollState is the lifecycle of one StatusPoller.
type PollState string

const (
	PollIdle    PollState = "idle"
	PollRunning PollState = "polling"
	PollDone    PollState = "done"
	PollGaveUp  PollState = "gave_up"
)

// Outcome is why a poller stopped.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeGaveUp    Outcome = "gave_up"
)

// StatusUpdate is delivered to OnChange on every observed status transition,
// terminal or not.
type StatusUpdate struct {
	PaymentID            string
	Status               models.PaymentStatus
	TransactionReference *string
}

// StatusBackend is the read-only slice of the paymaster client the poller
// needs. *paymaster.Client satisfies it.
type StatusBackend interface {
	GetPaymentStatus(ctx context.Context, paymentID string) (*paymaster.PaymentStatusResponse, error)
}

// PollerConfig configures one StatusPoller. Zero durations fall back to the
// package defaults (10s interval, 1h ceiling, 2s trigger spacing).
type PollerConfig struct {
	Backend   StatusBackend
	PaymentID string
	ExpiresAt time.Time

	Interval       time.Duration
	Ceiling        time.Duration
	TriggerSpacing time.Duration

	// OnChange fires on every observed status transition.
	OnChange func(update StatusUpdate)
	// OnFinish fires exactly once when the poller stops on its own: a
	// terminal status, local expiry, or the polling ceiling. It does not
	// fire on Stop.
	OnFinish func(outcome Outcome, last StatusUpdate)

	Logger logging.Logger
}

const (
	defaultPollInterval   = 10 * time.Second
	defaultPollCeiling    = time.Hour
	defaultTriggerSpacing = 2 * time.Second
)

// StatusPoller watches one payment until it resolves. Polls are read-only
// status fetches on a fixed interval plus a debounced manual trigger; ticks
// are serialized so a slow response never overlaps the next poll. Transport
// errors are absorbed and retried on the next interval; only the ceiling
// ends the loop without a server answer.
type StatusPoller struct {
	cfg PollerConfig

	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	mu         sync.Mutex
	state      PollState
	lastStatus models.PaymentStatus

	now func() time.Time
}

// NewStatusPoller creates a poller in the idle state.
func NewStatusPoller(cfg PollerConfig) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultPollCeiling
	}
	if cfg.TriggerSpacing <= 0 {
		cfg.TriggerSpacing = defaultTriggerSpacing
	}
	return &StatusPoller{
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     PollIdle,
		now:       time.Now,
	}
}

// State returns the poller's current lifecycle state.
func (p *StatusPoller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Trigger requests an immediate poll. Triggers arriving faster than the
// configured spacing coalesce into one; a flood of clicks costs one request.
func (p *StatusPoller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Start polls until a terminal status, local expiry, the ceiling, Stop, or
// ctx cancellation. It blocks; callers run it in a goroutine.
func (p *StatusPoller) Start(ctx context.Context) {
	defer close(p.done)

	p.setState(PollRunning)
	startedAt := p.now()
	var lastPollAt time.Time

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First look before the first interval elapses.
	if outcome, finished := p.poll(ctx); finished {
		p.finish(outcome)
		return
	}
	lastPollAt = p.now()

	for {
		select {
		case <-ctx.Done():
			p.setState(PollDone)
			return
		case <-p.stopCh:
			p.setState(PollDone)
			return
		case <-ticker.C:
		case <-p.triggerCh:
			if p.now().Sub(lastPollAt) < p.cfg.TriggerSpacing {
				continue
			}
		}

		if p.now().Sub(startedAt) > p.cfg.Ceiling {
			p.finish(OutcomeGaveUp)
			return
		}

		if outcome, finished := p.poll(ctx); finished {
			p.finish(outcome)
			return
		}
		lastPollAt = p.now()
	}
}

// Stop ends the loop without an outcome. Safe to call more than once.
func (p *StatusPoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Done is closed when the polling goroutine has exited.
func (p *StatusPoller) Done() <-chan struct{} {
	return p.done
}

// poll fetches status once and applies the transition rules. finished is
// true when the loop should end with the returned outcome.
func (p *StatusPoller) poll(ctx context.Context) (Outcome, bool) {
	resp, err := p.cfg.Backend.GetPaymentStatus(ctx, p.cfg.PaymentID)
	if err != nil {
		if p.cfg.Logger != nil {
			p.cfg.Logger.WithFields(logging.Fields{
				"payment_id": p.cfg.PaymentID,
				"error":      err,
			}).Warn("Status poll failed, will retry next interval")
		}
		return "", false
	}

	status := models.PaymentStatus(resp.Status)
	update := StatusUpdate{
		PaymentID:            p.cfg.PaymentID,
		Status:               status,
		TransactionReference: resp.TransactionReference,
	}
	p.observe(update)

	switch status {
	case models.PaymentConfirmed:
		return OutcomeConfirmed, true
	case models.PaymentFailed:
		return OutcomeFailed, true
	case models.PaymentExpired:
		return OutcomeExpired, true
	case models.PaymentPending:
		if p.now().After(p.cfg.ExpiresAt) {
			// Window is over; the server sweeps this on its own schedule but
			// the client stops waiting now.
			expired := update
			expired.Status = models.PaymentExpired
			p.observe(expired)
			return OutcomeExpired, true
		}
		return "", false
	default:
		if p.cfg.Logger != nil {
			p.cfg.Logger.WithFields(logging.Fields{
				"payment_id": p.cfg.PaymentID,
				"status":     resp.Status,
			}).Warn("Unknown payment status from server")
		}
		return "", false
	}
}

// observe records a status and notifies OnChange if it changed.
func (p *StatusPoller) observe(update StatusUpdate) {
	p.mu.Lock()
	changed := p.lastStatus != update.Status
	if changed {
		p.lastStatus = update.Status
	}
	p.mu.Unlock()

	if changed && p.cfg.OnChange != nil {
		p.cfg.OnChange(update)
	}
}

func (p *StatusPoller) setState(s PollState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *StatusPoller) finish(outcome Outcome) {
	p.mu.Lock()
	last := StatusUpdate{PaymentID: p.cfg.PaymentID, Status: p.lastStatus}
	if outcome == OutcomeGaveUp {
		p.state = PollGaveUp
	} else {
		p.state = PollDone
	}
	p.mu.Unlock()

	if p.cfg.OnFinish != nil {
		p.cfg.OnFinish(outcome, last)
	}
}

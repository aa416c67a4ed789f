package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/cache"
	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/models"
)

// Backend is the paymaster surface the flow drives. *paymaster.Client
// satisfies it; tests substitute a fake.
type Backend interface {
	IssuePayment(ctx context.Context, req *paymaster.ServiceIssueRequest) (*paymaster.IssuePaymentResponse, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*paymaster.PaymentStatusResponse, error)
	GetBalance(ctx context.Context, userID string) (*paymaster.BalanceResponse, error)
	ApplyCredits(ctx context.Context, req *paymaster.ApplyCreditsRequest) (*paymaster.ApplyCreditsResponse, error)
}

// Notifier receives user-facing settlement outcomes. Implementations must
// not block; the flow calls them from its worker goroutines.
type Notifier interface {
	PaymentConfirmed(paymentID string, creditsGranted int64)
	PaymentFailed(paymentID string)
	PaymentExpired(paymentID string)
	CheckManually(paymentID string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) PaymentConfirmed(string, int64) {}
func (NopNotifier) PaymentFailed(string)           {}
func (NopNotifier) PaymentExpired(string)          {}
func (NopNotifier) CheckManually(string)           {}

// FlowConfig configures a settlement flow for one user session.
type FlowConfig struct {
	Backend  Backend
	UserID   string
	Logger   logging.Logger
	Notifier Notifier

	PollInterval   time.Duration
	PollCeiling    time.Duration
	TriggerSpacing time.Duration
	BalanceTTL     time.Duration
}

// DefaultFlowConfig fills intervals from the environment: POLL_INTERVAL_SECONDS
// (default 10) and POLL_CEILING_MINUTES (default 60).
func DefaultFlowConfig(backend Backend, userID string, logger logging.Logger) FlowConfig {
	return FlowConfig{
		Backend:      backend,
		UserID:       userID,
		Logger:       logger,
		PollInterval: time.Duration(config.GetEnvInt("POLL_INTERVAL_SECONDS", 10)) * time.Second,
		PollCeiling:  time.Duration(config.GetEnvInt("POLL_CEILING_MINUTES", 60)) * time.Minute,
		BalanceTTL:   30 * time.Second,
	}
}

// activePayment pairs the poller and expiry timer owned by one in-flight
// payment. Both stop together.
type activePayment struct {
	paymentID     string
	obligationRef string
	poller        *StatusPoller
	timer         *ExpiryTimer
}

func (a *activePayment) stop() {
	a.poller.Stop()
	a.timer.Stop()
}

// Flow is the client-side settlement driver: it issues payments, owns one
// poller+timer pair per in-flight payment, fans status transitions out to
// subscribers, and serves balance reads through a cache that is dropped
// whenever credits land.
type Flow struct {
	backend  Backend
	userID   string
	logger   logging.Logger
	notifier Notifier

	pollInterval   time.Duration
	pollCeiling    time.Duration
	triggerSpacing time.Duration

	balances   *cache.Cache
	balanceTTL time.Duration

	mu     sync.Mutex
	active map[string]*activePayment // keyed by payment id
	subs   map[string]map[int]func(StatusUpdate)
	nextID int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFlow creates a settlement flow. Close must be called to release the
// pollers and timers it starts.
func NewFlow(cfg FlowConfig) *Flow {
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.BalanceTTL <= 0 {
		cfg.BalanceTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		backend:        cfg.Backend,
		userID:         cfg.UserID,
		logger:         cfg.Logger,
		notifier:       cfg.Notifier,
		pollInterval:   cfg.PollInterval,
		pollCeiling:    cfg.PollCeiling,
		triggerSpacing: cfg.TriggerSpacing,
		balances:       cache.New(cache.Options{TTL: cfg.BalanceTTL}, cache.MetricsHooks{}),
		balanceTTL:     cfg.BalanceTTL,
		active:         make(map[string]*activePayment),
		subs:           make(map[string]map[int]func(StatusUpdate)),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// IssuePayment opens a settlement payment and starts watching it. When the
// request names an obligation that already has an in-flight payment, the
// prior poller and timer are stopped first: the server supersedes the old
// row, the client stops caring about it in the same moment.
func (f *Flow) IssuePayment(ctx context.Context, amountUSD float64, currency models.SettlementCurrency, obligationRef *string) (*paymaster.IssuePaymentResponse, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("settlement flow is closed")
	}
	f.mu.Unlock()

	req := &paymaster.ServiceIssueRequest{
		UserID:        f.userID,
		AmountUSD:     amountUSD,
		Currency:      string(currency),
		ObligationRef: obligationRef,
	}

	resp, err := f.backend.IssuePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	if obligationRef != nil {
		f.cancelObligation(*obligationRef)
	}
	f.watch(resp.PaymentID, derefOr(obligationRef, ""), resp.ExpiresAt)

	if f.logger != nil {
		f.logger.WithFields(logging.Fields{
			"payment_id": resp.PaymentID,
			"amount_usd": amountUSD,
			"currency":   currency,
			"expires_at": resp.ExpiresAt,
		}).Info("Issued settlement payment")
	}

	return resp, nil
}

// Watch starts a poller+timer pair for a payment issued elsewhere (for
// example by the settlements endpoint).
func (f *Flow) Watch(paymentID string, expiresAt time.Time) {
	f.watch(paymentID, "", expiresAt)
}

func (f *Flow) watch(paymentID, obligationRef string, expiresAt time.Time) {
	poller := NewStatusPoller(PollerConfig{
		Backend:        f.backend,
		PaymentID:      paymentID,
		ExpiresAt:      expiresAt,
		Interval:       f.pollInterval,
		Ceiling:        f.pollCeiling,
		TriggerSpacing: f.triggerSpacing,
		OnChange:       func(update StatusUpdate) { f.fanOut(update) },
		OnFinish:       func(outcome Outcome, last StatusUpdate) { f.resolve(paymentID, outcome) },
		Logger:         f.logger,
	})
	timer := NewExpiryTimer(expiresAt, nil)

	ap := &activePayment{
		paymentID:     paymentID,
		obligationRef: obligationRef,
		poller:        poller,
		timer:         timer,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.active[paymentID] = ap
	f.wg.Add(2)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		poller.Start(f.ctx)
	}()
	go func() {
		defer f.wg.Done()
		timer.Start(f.ctx)
	}()
}

// cancelObligation stops the watch pair for any in-flight payment bound to
// the obligation.
func (f *Flow) cancelObligation(obligationRef string) {
	f.mu.Lock()
	var victims []*activePayment
	for _, ap := range f.active {
		if ap.obligationRef != "" && ap.obligationRef == obligationRef {
			victims = append(victims, ap)
		}
	}
	for _, ap := range victims {
		delete(f.active, ap.paymentID)
	}
	f.mu.Unlock()

	for _, ap := range victims {
		ap.stop()
		if f.logger != nil {
			f.logger.WithFields(logging.Fields{
				"payment_id":     ap.paymentID,
				"obligation_ref": obligationRef,
			}).Info("Superseded in-flight payment")
		}
	}
}

// resolve handles a poller finishing on its own.
func (f *Flow) resolve(paymentID string, outcome Outcome) {
	f.mu.Lock()
	ap, ok := f.active[paymentID]
	if ok {
		delete(f.active, paymentID)
	}
	f.mu.Unlock()
	if ok {
		ap.timer.Stop()
	}

	switch outcome {
	case OutcomeConfirmed:
		f.applyCredits(paymentID)
	case OutcomeFailed:
		f.notifier.PaymentFailed(paymentID)
	case OutcomeExpired:
		f.notifier.PaymentExpired(paymentID)
	case OutcomeGaveUp:
		f.notifier.CheckManually(paymentID)
	}
}

// applyCredits finalizes a confirmed payment. AlreadyApplied is a success
// here: another observer of the same payment won the race, the credits are
// in the ledger either way. The cached balance is dropped so the next read
// sees them.
func (f *Flow) applyCredits(paymentID string) {
	ctx, cancelApply := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelApply()

	resp, err := f.backend.ApplyCredits(ctx, &paymaster.ApplyCreditsRequest{PaymentID: paymentID})
	if err != nil {
		if f.logger != nil {
			f.logger.WithFields(logging.Fields{
				"payment_id": paymentID,
				"error":      err,
			}).Error("Failed to apply credits for confirmed payment")
		}
		f.notifier.CheckManually(paymentID)
		return
	}

	f.balances.Delete(f.balanceKey())

	if f.logger != nil {
		f.logger.WithFields(logging.Fields{
			"payment_id":      paymentID,
			"credits_granted": resp.CreditsGranted,
			"already_applied": resp.AlreadyApplied,
		}).Info("Credits applied for confirmed payment")
	}
	f.notifier.PaymentConfirmed(paymentID, resp.CreditsGranted)
}

// TriggerPoll requests an immediate status check for a watched payment.
func (f *Flow) TriggerPoll(paymentID string) {
	f.mu.Lock()
	ap, ok := f.active[paymentID]
	f.mu.Unlock()
	if ok {
		ap.poller.Trigger()
	}
}

// SubscribeStatus registers a callback fired on every status transition of
// the payment. The returned function unsubscribes.
func (f *Flow) SubscribeStatus(paymentID string, onChange func(StatusUpdate)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	if f.subs[paymentID] == nil {
		f.subs[paymentID] = make(map[int]func(StatusUpdate))
	}
	f.subs[paymentID][id] = onChange

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if m, ok := f.subs[paymentID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(f.subs, paymentID)
			}
		}
	}
}

func (f *Flow) fanOut(update StatusUpdate) {
	f.mu.Lock()
	var callbacks []func(StatusUpdate)
	for _, cb := range f.subs[update.PaymentID] {
		callbacks = append(callbacks, cb)
	}
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(update)
	}
}

// Balance returns the user's credit balance through the read-through cache.
// A successful credit apply drops the cached value, so the first read after
// a confirmation reflects the new credits.
func (f *Flow) Balance(ctx context.Context) (*paymaster.BalanceResponse, error) {
	val, ok, err := f.balances.Get(ctx, f.balanceKey(), func(ctx context.Context, _ string) (interface{}, bool, error) {
		resp, err := f.backend.GetBalance(ctx, f.userID)
		if err != nil {
			return nil, false, err
		}
		return resp, true, nil
	})
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	return val.(*paymaster.BalanceResponse), nil
}

// RefreshBalance drops the cached balance; the next read hits the server.
func (f *Flow) RefreshBalance() {
	f.balances.Delete(f.balanceKey())
}

func (f *Flow) balanceKey() string {
	return "balance:" + f.userID
}

// ActivePayments lists the payment ids currently being watched.
func (f *Flow) ActivePayments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.active))
	for id := range f.active {
		out = append(out, id)
	}
	return out
}

// Close stops every live poller and timer and waits for them to exit. The
// flow rejects new issues afterwards.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	victims := make([]*activePayment, 0, len(f.active))
	for _, ap := range f.active {
		victims = append(victims, ap)
	}
	f.active = make(map[string]*activePayment)
	f.mu.Unlock()

	for _, ap := range victims {
		ap.stop()
	}
	f.cancel()
	f.wg.Wait()
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tradeworks/paymaster/internal/coffer"
	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/middleware"
	"tradeworks/paymaster/pkg/models"
)

// minConfirmations is the per-asset confirmation depth required before a
// transfer Coffer has merely seen counts as settled. A provider-confirmed
// status skips this gate: Coffer only reports confirmed once its own policy
// is met.
var minConfirmations = map[models.SettlementCurrency]int{
	models.CurrencyBTC:  3,  // 3 confirmations for Bitcoin
	models.CurrencyETH:  12, // 12 confirmations for Ethereum
	models.CurrencyUSDC: 12, // 12 confirmations for USDC (ERC-20)
	models.CurrencyUSDT: 12, // 12 confirmations for USDT (ERC-20)
}

// SettlementMonitor reconciles pending payments against Coffer on an
// interval. It is the recovery path for missed webhooks; every transition it
// performs is idempotent against the push path.
type SettlementMonitor struct {
	db     *sql.DB
	logger logging.Logger
	stopCh chan struct{}
}

// NewSettlementMonitor creates a new settlement monitor
func NewSettlementMonitor(database *sql.DB, log logging.Logger) *SettlementMonitor {
	return &SettlementMonitor{
		db:     database,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// Start begins reconciling pending payments
func (sm *SettlementMonitor) Start(ctx context.Context) {
	interval := time.Duration(config.GetEnvInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second
	sm.logger.WithField("interval", interval).Info("Starting settlement monitor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sm.logger.Info("Settlement monitor stopping due to context cancellation")
			return
		case <-sm.stopCh:
			sm.logger.Info("Settlement monitor stopping")
			return
		case <-ticker.C:
			sm.reconcilePendingPayments(ctx)
		}
	}
}

// Stop stops the settlement monitor
func (sm *SettlementMonitor) Stop() {
	close(sm.stopCh)
}

// reconcilePendingPayments walks pending payments oldest first and settles
// the ones Coffer or the clock has decided.
func (sm *SettlementMonitor) reconcilePendingPayments(ctx context.Context) {
	rows, err := sm.db.Query(`
		SELECT id FROM paymaster.payment_requests
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 200
	`)
	if err != nil {
		sm.logger.WithError(err).Error("Failed to fetch pending payments")
		metrics.ReconcileCycles.WithLabelValues("error").Inc()
		return
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			sm.logger.WithError(err).Error("Error scanning pending payment")
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := reconcilePayment(ctx, id, "monitor"); err != nil {
			sm.logger.WithError(err).WithField("payment_id", id).Warn("Failed to reconcile payment")
		}
	}

	metrics.ReconcileCycles.WithLabelValues("ok").Inc()
	if len(ids) > 0 {
		sm.logger.WithField("checked", len(ids)).Debug("Reconcile cycle complete")
	}
}

// reconcilePayment forces one settlement decision for a payment: expire it
// when the window has closed, otherwise ask Coffer and settle on a
// sufficiently confirmed or failed answer. Returns whether anything changed.
func reconcilePayment(ctx context.Context, paymentID, source string) (*models.PaymentRequest, bool, error) {
	payment, err := getPayment(paymentID, nil)
	if err != nil {
		return nil, false, err
	}
	if payment.Status != models.PaymentPending {
		return payment, false, nil
	}

	// The window closing beats anything the provider might still report.
	if payment.PastExpiry(time.Now()) {
		return settleTerminal(payment.ID, models.PaymentExpired, nil, source)
	}

	status, err := cofferClient.GetPaymentStatus(ctx, payment.ID)
	if err != nil {
		return payment, false, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}

	var txRef *string
	if status.TransactionReference != "" {
		txRef = &status.TransactionReference
	}

	switch status.Status {
	case coffer.StatusConfirmed, "paid":
		return confirmViaProvider(payment.ID, txRef, source)

	case coffer.StatusSeen:
		if status.Confirmations >= minConfirmations[payment.Currency] {
			return confirmViaProvider(payment.ID, txRef, source)
		}
		logger.WithFields(logging.Fields{
			"payment_id":        payment.ID,
			"confirmations":     status.Confirmations,
			"min_confirmations": minConfirmations[payment.Currency],
		}).Debug("Transfer seen, awaiting confirmations")
		return payment, false, nil

	case coffer.StatusFailed, "cancelled":
		failed, changed, err := settleTerminal(payment.ID, models.PaymentFailed, txRef, source)
		if err != nil {
			return payment, false, err
		}
		if changed {
			notifyPaymentOutcome(*failed, 0)
		}
		return failed, changed, nil

	case coffer.StatusPending, "open":
		return payment, false, nil

	default:
		logger.WithFields(logging.Fields{
			"payment_id": payment.ID,
			"status":     status.Status,
		}).Debug("Ignoring unknown provider status")
		return payment, false, nil
	}
}

// confirmViaProvider settles a provider-confirmed payment, tolerating races
// with the webhook path: losing the race to a terminal settle is not an
// error, just no change.
func confirmViaProvider(paymentID string, txRef *string, source string) (*models.PaymentRequest, bool, error) {
	payment, changed, err := confirmAndApply(paymentID, txRef, source)
	if err != nil {
		if errors.Is(err, models.ErrPaymentFailed) || errors.Is(err, models.ErrPaymentExpired) {
			if settled, gerr := getPayment(paymentID, nil); gerr == nil {
				return settled, false, nil
			}
		}
		return nil, false, err
	}
	if changed {
		notifyPaymentOutcome(*payment, payment.CreditsQuoted)
	}
	return payment, changed, nil
}

// ReconcilePayment forces an immediate reconcile of one payment for services
func ReconcilePayment(c middleware.Context) {
	payment, changed, err := reconcilePayment(c.Request.Context(), c.Param("payment_id"), "reconcile")
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnknownPayment):
			c.JSON(http.StatusNotFound, paymasterapi.ErrorResponse{Error: "Payment not found"})
		case errors.Is(err, models.ErrNetwork):
			c.JSON(http.StatusBadGateway, paymasterapi.ErrorResponse{Error: "Payment provider unavailable"})
		default:
			logger.WithError(err).Error("Failed to reconcile payment")
			c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to reconcile payment"})
		}
		return
	}

	c.JSON(http.StatusOK, paymasterapi.ReconcileResponse{
		PaymentID: payment.ID,
		Status:    string(payment.Status),
		Changed:   changed,
	})
}

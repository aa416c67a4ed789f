package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/kafka"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/models"
)

// observeDB records one ledger database operation in the query metrics.
func observeDB(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.DBQueries.WithLabelValues(operation, status).Inc()
	metrics.DBDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// confirmAndApply settles a payment to confirmed and folds its credits into
// the ledger in one transaction. Safe under races: the status flip is guarded
// on pending and the ledger insert dedupes on payment_id, so concurrent
// webhook, monitor and reconcile observers produce exactly one credit.
// Returns whether this call performed the transition.
func confirmAndApply(paymentID string, txRef *string, source string) (*models.PaymentRequest, bool, error) {
	start := time.Now()
	payment, changed, applied, balance, err := confirmAndApplyTx(paymentID, txRef)
	observeDB("confirm_and_apply", start, err)
	if err != nil {
		return payment, false, err
	}

	if changed {
		metrics.PaymentsSettled.WithLabelValues("confirmed", source).Inc()
		emitSettlementEvent(kafka.EventPaymentConfirmed, payment.UserID, payment.ID, map[string]interface{}{
			"transaction_reference": payment.TransactionReference,
			"credits_quoted":        payment.CreditsQuoted,
		})
	}
	if applied {
		metrics.CreditsApplied.WithLabelValues(string(payment.Reason)).Add(float64(payment.CreditsQuoted))
		emitSettlementEvent(kafka.EventCreditsApplied, payment.UserID, payment.ID, map[string]interface{}{
			"delta_credits": payment.CreditsQuoted,
			"reason":        payment.Reason,
		})
	}

	if changed || applied {
		logger.WithFields(logging.Fields{
			"payment_id":  payment.ID,
			"user_id":     payment.UserID,
			"credits":     payment.CreditsQuoted,
			"source":      source,
			"new_balance": balance,
		}).Info("Payment confirmed and credited")
	}

	return payment, changed, nil
}

func confirmAndApplyTx(paymentID string, txRef *string) (payment *models.PaymentRequest, changed, applied bool, balance int64, err error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, false, false, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// 1. Flip pending to confirmed. The status guard keeps terminal states
	// terminal no matter how many observers race.
	payment, err = scanPayment(tx.QueryRow(`
		UPDATE paymaster.payment_requests
		SET status = 'confirmed',
		    transaction_reference = COALESCE($2, transaction_reference),
		    confirmed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+paymentColumns+`
	`, paymentID, txRef))
	changed = true

	if errors.Is(err, sql.ErrNoRows) {
		// Someone settled it first; find out where it landed.
		changed = false
		payment, err = scanPayment(tx.QueryRow(`
			SELECT `+paymentColumns+` FROM paymaster.payment_requests WHERE id = $1
		`, paymentID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, false, 0, models.ErrUnknownPayment
		}
		if err != nil {
			return nil, false, false, 0, fmt.Errorf("failed to fetch payment: %w", err)
		}

		switch payment.Status {
		case models.PaymentConfirmed:
			// Confirmed by another path. Fall through so the ledger insert
			// can heal a credit that never landed.
		case models.PaymentFailed:
			return payment, false, false, 0, models.ErrPaymentFailed
		case models.PaymentExpired:
			return payment, false, false, 0, models.ErrPaymentExpired
		default:
			return payment, false, false, 0, fmt.Errorf("payment %s in unexpected status %s", paymentID, payment.Status)
		}
	} else if err != nil {
		return nil, false, false, 0, fmt.Errorf("failed to confirm payment: %w", err)
	}

	// 2. Credit the ledger exactly once.
	applied, balance, err = applyCreditTx(tx, payment)
	if err != nil {
		return nil, false, false, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, false, 0, fmt.Errorf("failed to commit settlement: %w", err)
	}

	return payment, changed, applied, balance, nil
}

// applyCreditTx inserts the ledger entry for a confirmed payment and folds it
// into the materialized balance. The caller owns the transaction. The insert
// dedupes on payment_id; a duplicate leaves the balance untouched.
func applyCreditTx(tx *sql.Tx, payment *models.PaymentRequest) (bool, int64, error) {
	result, err := tx.Exec(`
		INSERT INTO paymaster.credit_ledger (id, payment_id, user_id, delta_credits, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING
	`, uuid.New().String(), payment.ID, payment.UserID, payment.CreditsQuoted, payment.Reason)
	if err != nil {
		return false, 0, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read ledger insert result: %w", err)
	}
	if inserted == 0 {
		var available int64
		err := tx.QueryRow(`
			SELECT available_credits FROM paymaster.credit_balances WHERE user_id = $1
		`, payment.UserID).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, 0, fmt.Errorf("failed to read balance: %w", err)
		}
		return false, available, nil
	}

	var available int64
	err = tx.QueryRow(`
		SELECT available_credits FROM paymaster.credit_balances
		WHERE user_id = $1
		FOR UPDATE
	`, payment.UserID).Scan(&available)

	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRow(`
			INSERT INTO paymaster.credit_balances (user_id, available_credits, total_credits_lifetime)
			VALUES ($1, $2, $2)
			RETURNING available_credits
		`, payment.UserID, payment.CreditsQuoted).Scan(&available)
		if err != nil {
			return false, 0, fmt.Errorf("failed to create balance row: %w", err)
		}
	} else if err != nil {
		return false, 0, fmt.Errorf("failed to lock balance row: %w", err)
	} else {
		err = tx.QueryRow(`
			UPDATE paymaster.credit_balances
			SET available_credits = available_credits + $1,
			    total_credits_lifetime = total_credits_lifetime + $1,
			    updated_at = NOW()
			WHERE user_id = $2
			RETURNING available_credits
		`, payment.CreditsQuoted, payment.UserID).Scan(&available)
		if err != nil {
			return false, 0, fmt.Errorf("failed to update balance: %w", err)
		}
	}

	return true, available, nil
}

// applyPaymentCredit finalizes a confirmed payment into the ledger. Unlike
// confirmAndApply it never flips status: a still-pending payment is rejected
// with ErrNotConfirmed.
func applyPaymentCredit(paymentID string) (*paymasterapi.ApplyCreditsResponse, error) {
	start := time.Now()
	resp, applied, payment, err := applyPaymentCreditTx(paymentID)
	observeDB("apply_credits", start, err)
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.CreditsApplied.WithLabelValues(string(payment.Reason)).Add(float64(payment.CreditsQuoted))
		emitSettlementEvent(kafka.EventCreditsApplied, payment.UserID, payment.ID, map[string]interface{}{
			"delta_credits": payment.CreditsQuoted,
			"reason":        payment.Reason,
		})
		logger.WithFields(logging.Fields{
			"payment_id":  payment.ID,
			"user_id":     payment.UserID,
			"credits":     payment.CreditsQuoted,
			"new_balance": resp.Balance,
		}).Info("Applied payment credits")
	}

	return resp, nil
}

func applyPaymentCreditTx(paymentID string) (*paymasterapi.ApplyCreditsResponse, bool, *models.PaymentRequest, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	payment, err := scanPayment(tx.QueryRow(`
		SELECT `+paymentColumns+` FROM paymaster.payment_requests WHERE id = $1
	`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil, models.ErrUnknownPayment
	}
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to fetch payment: %w", err)
	}

	switch payment.Status {
	case models.PaymentConfirmed:
	case models.PaymentPending:
		return nil, false, nil, models.ErrNotConfirmed
	case models.PaymentFailed:
		return nil, false, nil, models.ErrPaymentFailed
	case models.PaymentExpired:
		return nil, false, nil, models.ErrPaymentExpired
	default:
		return nil, false, nil, fmt.Errorf("payment %s in unexpected status %s", paymentID, payment.Status)
	}

	applied, balance, err := applyCreditTx(tx, payment)
	if err != nil {
		return nil, false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, nil, fmt.Errorf("failed to commit credit apply: %w", err)
	}

	return &paymasterapi.ApplyCreditsResponse{
		PaymentID:      payment.ID,
		CreditsGranted: payment.CreditsQuoted,
		AlreadyApplied: !applied,
		Balance:        balance,
	}, applied, payment, nil
}

// debitCredits spends credits against a user's balance. The reference dedupe
// makes retries idempotent; an insufficient balance aborts the transaction,
// ledger entry included. The balance can never go negative.
func debitCredits(userID string, credits int64, referenceID, description string) (*paymasterapi.DebitResponse, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("%w: debit must be positive", models.ErrInvalidInput)
	}
	if referenceID == "" {
		return nil, fmt.Errorf("%w: reference_id is required", models.ErrInvalidInput)
	}

	start := time.Now()
	resp, err := debitCreditsTx(userID, credits, referenceID)
	observeDB("debit_credits", start, err)
	if err != nil {
		return nil, err
	}

	if !resp.AlreadyApplied {
		metrics.CreditsApplied.WithLabelValues(string(models.ReasonUsageDebit)).Add(float64(credits))
		emitSettlementEvent(kafka.EventCreditsDebited, userID, "", map[string]interface{}{
			"credits":      credits,
			"reference_id": referenceID,
			"balance":      resp.Balance,
		})
		logger.WithFields(logging.Fields{
			"user_id":      userID,
			"credits":      credits,
			"reference_id": referenceID,
			"description":  description,
			"new_balance":  resp.Balance,
		}).Info("Debited credits")
	}

	return resp, nil
}

func debitCreditsTx(userID string, credits int64, referenceID string) (*paymasterapi.DebitResponse, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// 1. Ensure the balance row exists, then lock it.
	_, err = tx.Exec(`
		INSERT INTO paymaster.credit_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var available int64
	err = tx.QueryRow(`
		SELECT available_credits FROM paymaster.credit_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&available)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}

	// 2. Record the debit; a replayed reference is a no-op.
	result, err := tx.Exec(`
		INSERT INTO paymaster.credit_ledger (id, user_id, delta_credits, reason, reference_id)
		VALUES ($1, $2, $3, 'usage-debit', $4)
		ON CONFLICT (reference_id) WHERE reference_id IS NOT NULL DO NOTHING
	`, uuid.New().String(), userID, -credits, referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger insert result: %w", err)
	}
	if inserted == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit debit replay: %w", err)
		}
		return &paymasterapi.DebitResponse{
			UserID:         userID,
			Debited:        credits,
			Balance:        available,
			AlreadyApplied: true,
		}, nil
	}

	// 3. Enforce the floor while holding the lock. Rolling back also drops
	// the ledger entry written above.
	if available < credits {
		return nil, fmt.Errorf("%w: have %d, need %d", models.ErrInsufficientCredits, available, credits)
	}

	// 4. Fold into the materialized balance.
	var newBalance int64
	err = tx.QueryRow(`
		UPDATE paymaster.credit_balances
		SET available_credits = available_credits - $1,
		    used_credits = used_credits + $1,
		    updated_at = NOW()
		WHERE user_id = $2
		RETURNING available_credits
	`, credits, userID).Scan(&newBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}

	return &paymasterapi.DebitResponse{
		UserID:         userID,
		Debited:        credits,
		Balance:        newBalance,
		AlreadyApplied: false,
	}, nil
}

// readBalance returns the materialized balance, treating an absent row as
// zero without creating it.
func readBalance(userID string) (*models.UserCreditBalance, error) {
	start := time.Now()
	var b models.UserCreditBalance
	err := db.QueryRow(`
		SELECT user_id, available_credits, total_credits_lifetime, used_credits, updated_at
		FROM paymaster.credit_balances
		WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.AvailableCredits, &b.TotalCreditsLifetime, &b.UsedCredits, &b.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		observeDB("read_balance", start, nil)
		return &models.UserCreditBalance{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	observeDB("read_balance", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &b, nil
}

// settleTerminal moves a pending payment to failed or expired. Confirmed
// settlements go through confirmAndApply instead. Returns whether this call
// performed the transition.
func settleTerminal(paymentID string, status models.PaymentStatus, txRef *string, source string) (*models.PaymentRequest, bool, error) {
	if status != models.PaymentFailed && status != models.PaymentExpired {
		return nil, false, fmt.Errorf("settleTerminal called with non-terminal status %s", status)
	}

	start := time.Now()
	payment, err := scanPayment(db.QueryRow(`
		UPDATE paymaster.payment_requests
		SET status = $2,
		    transaction_reference = COALESCE($3, transaction_reference)
		WHERE id = $1 AND status = 'pending'
		RETURNING `+paymentColumns+`
	`, paymentID, status, txRef))

	if errors.Is(err, sql.ErrNoRows) {
		observeDB("settle_terminal", start, nil)
		payment, err := getPayment(paymentID, nil)
		if err != nil {
			return nil, false, err
		}
		return payment, false, nil
	}
	observeDB("settle_terminal", start, err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to settle payment: %w", err)
	}

	metrics.PaymentsSettled.WithLabelValues(string(status), source).Inc()
	event := kafka.EventPaymentFailed
	if status == models.PaymentExpired {
		event = kafka.EventPaymentExpired
	}
	emitSettlementEvent(event, payment.UserID, payment.ID, nil)

	logger.WithFields(logging.Fields{
		"payment_id": payment.ID,
		"user_id":    payment.UserID,
		"status":     status,
		"source":     source,
	}).Info("Payment settled")

	return payment, true, nil
}

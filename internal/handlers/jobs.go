package handlers

import (
	"context"
	"database/sql"
	"time"

	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/kafka"
	"tradeworks/paymaster/pkg/logging"
)

// JobManager handles background settlement jobs
type JobManager struct {
	db      *sql.DB
	logger  logging.Logger
	monitor *SettlementMonitor
	stopCh  chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger) *JobManager {
	return &JobManager{
		db:      database,
		logger:  log,
		monitor: NewSettlementMonitor(database, log),
		stopCh:  make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting settlement job manager")

	// Start provider reconciliation monitor
	go jm.monitor.Start(ctx)

	// Start expiry sweep job
	go jm.runExpirySweep(ctx)

	// Start balance audit job
	go jm.runBalanceAudit(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping settlement job manager")
	jm.monitor.Stop()
	close(jm.stopCh)
}

// runExpirySweep closes payment windows that lapsed with nobody looking.
// Status reads settle expiry lazily; the sweep catches payments no one reads.
func (jm *JobManager) runExpirySweep(ctx context.Context) {
	interval := time.Duration(config.GetEnvInt("EXPIRY_SWEEP_INTERVAL_SECONDS", 60)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.logger.WithField("interval", interval).Info("Starting expiry sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepExpiredPayments()
		}
	}
}

// sweepExpiredPayments expires every pending payment whose window has closed
func (jm *JobManager) sweepExpiredPayments() {
	rows, err := jm.db.Query(`
		UPDATE paymaster.payment_requests
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at < NOW()
		RETURNING id, user_id
	`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to sweep expired payments")
		return
	}

	type expiredPayment struct {
		id     string
		userID string
	}
	var expired []expiredPayment
	for rows.Next() {
		var p expiredPayment
		if err := rows.Scan(&p.id, &p.userID); err != nil {
			jm.logger.WithError(err).Error("Error scanning expired payment")
			continue
		}
		expired = append(expired, p)
	}
	rows.Close()

	if len(expired) == 0 {
		return
	}

	for _, p := range expired {
		metrics.PaymentsSettled.WithLabelValues("expired", "sweeper").Inc()
		emitSettlementEvent(kafka.EventPaymentExpired, p.userID, p.id, nil)
	}

	jm.logger.WithField("expired", len(expired)).Info("Swept expired payments")
}

// runBalanceAudit periodically recomputes balances from the ledger and flags
// drift in the materialized rows
func (jm *JobManager) runBalanceAudit(ctx context.Context) {
	interval := time.Duration(config.GetEnvInt("BALANCE_AUDIT_INTERVAL_MINUTES", 60)) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.logger.WithField("interval", interval).Info("Starting balance audit job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.auditBalances()
		}
	}
}

// auditBalances compares each materialized balance against the ledger fold.
// Detection only: a mismatch is flagged for operators, never auto-corrected,
// since the correct fix depends on which side is wrong.
func (jm *JobManager) auditBalances() {
	rows, err := jm.db.Query(`
		SELECT COALESCE(b.user_id, l.user_id) AS user_id,
		       COALESCE(b.available_credits, 0) AS materialized,
		       COALESCE(l.total, 0) AS ledger_total
		FROM paymaster.credit_balances b
		FULL OUTER JOIN (
			SELECT user_id, SUM(delta_credits) AS total
			FROM paymaster.credit_ledger
			GROUP BY user_id
		) l ON l.user_id = b.user_id
		WHERE COALESCE(b.available_credits, 0) <> COALESCE(l.total, 0)
	`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to audit balances")
		return
	}

	anomalies := 0
	for rows.Next() {
		var userID string
		var materialized, ledgerTotal int64
		if err := rows.Scan(&userID, &materialized, &ledgerTotal); err != nil {
			jm.logger.WithError(err).Error("Error scanning balance audit row")
			continue
		}

		anomalies++
		metrics.BalanceAnomalies.WithLabelValues("ledger_drift").Inc()
		jm.logger.WithFields(logging.Fields{
			"user_id":      userID,
			"materialized": materialized,
			"ledger_total": ledgerTotal,
			"drift":        materialized - ledgerTotal,
		}).Error("Balance drift detected between ledger and materialized balance")

		emitSettlementEvent(kafka.EventBalanceAnomaly, userID, "", map[string]interface{}{
			"materialized": materialized,
			"ledger_total": ledgerTotal,
		})
	}
	rows.Close()

	if anomalies == 0 {
		jm.logger.Debug("Balance audit clean")
	}
}

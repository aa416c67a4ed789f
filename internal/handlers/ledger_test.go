package handlers

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"tradeworks/paymaster/pkg/models"
	"tradeworks/paymaster/pkg/testutil"
)

func TestConfirmAndApplyCreditsPayment(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	f := testutil.NewDatabaseFixtures()
	confirmed := f.ConfirmedPayment()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(confirmed.ID, nil).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), confirmed.ID, confirmed.UserID, confirmed.CreditsQuoted, string(confirmed.Reason)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(confirmed.UserID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO paymaster.credit_balances").
		WithArgs(confirmed.UserID, confirmed.CreditsQuoted).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(confirmed.CreditsQuoted))
	mock.ExpectCommit()

	payment, changed, err := confirmAndApply(confirmed.ID, nil, "webhook")
	if err != nil {
		t.Fatalf("confirmAndApply failed: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true for a pending payment")
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("expected confirmed status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmAndApplyAlreadyConfirmed(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	f := testutil.NewDatabaseFixtures()
	confirmed := f.ConfirmedPayment()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(confirmed.ID, nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(confirmed.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), confirmed.ID, confirmed.UserID, confirmed.CreditsQuoted, string(confirmed.Reason)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(confirmed.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(711)))
	mock.ExpectCommit()

	payment, changed, err := confirmAndApply(confirmed.ID, nil, "monitor")
	if err != nil {
		t.Fatalf("confirmAndApply failed: %v", err)
	}
	if changed {
		t.Fatal("expected changed=false for an already confirmed payment")
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("expected confirmed status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmAndApplyRejectsExpiredPayment(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	f := testutil.NewDatabaseFixtures()
	expired := f.PendingPayment()
	expired.Status = models.PaymentExpired

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(expired.ID, nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(expired.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(expired)...))
	mock.ExpectRollback()

	_, _, err = confirmAndApply(expired.ID, nil, "webhook")
	if !errors.Is(err, models.ErrPaymentExpired) {
		t.Fatalf("expected ErrPaymentExpired, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmAndApplyUnknownPayment(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs("no-such-payment", nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs("no-such-payment").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err = confirmAndApply("no-such-payment", nil, "webhook")
	if !errors.Is(err, models.ErrUnknownPayment) {
		t.Fatalf("expected ErrUnknownPayment, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyPaymentCreditRequiresConfirmed(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	f := testutil.NewDatabaseFixtures()
	pending := f.PendingPayment()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))
	mock.ExpectRollback()

	_, err = applyPaymentCredit(pending.ID)
	if !errors.Is(err, models.ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyPaymentCreditReplay(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	f := testutil.NewDatabaseFixtures()
	confirmed := f.ConfirmedPayment()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(confirmed.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), confirmed.ID, confirmed.UserID, confirmed.CreditsQuoted, string(confirmed.Reason)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(confirmed.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(711)))
	mock.ExpectCommit()

	resp, err := applyPaymentCredit(confirmed.ID)
	if err != nil {
		t.Fatalf("applyPaymentCredit failed: %v", err)
	}
	if !resp.AlreadyApplied {
		t.Fatal("expected already_applied=true on replay")
	}
	if resp.CreditsGranted != confirmed.CreditsQuoted {
		t.Fatalf("expected credits_granted=%d, got %d", confirmed.CreditsQuoted, resp.CreditsGranted)
	}
	if resp.Balance != 711 {
		t.Fatalf("expected balance=711, got %d", resp.Balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebitCredits(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	userID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paymaster.credit_balances").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(500)))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), userID, int64(-100), "job-run-42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE paymaster.credit_balances").
		WithArgs(int64(100), userID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(400)))
	mock.ExpectCommit()

	resp, err := debitCredits(userID, 100, "job-run-42", "transcoding job")
	if err != nil {
		t.Fatalf("debitCredits failed: %v", err)
	}
	if resp.AlreadyApplied {
		t.Fatal("expected already_applied=false for a fresh debit")
	}
	if resp.Balance != 400 {
		t.Fatalf("expected balance=400, got %d", resp.Balance)
	}
	if resp.Debited != 100 {
		t.Fatalf("expected debited=100, got %d", resp.Debited)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebitCreditsInsufficientBalance(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	userID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paymaster.credit_balances").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(40)))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), userID, int64(-100), "job-run-43").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err = debitCredits(userID, 100, "job-run-43", "transcoding job")
	if !errors.Is(err, models.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// A replayed reference must come back as already_applied even when the
// balance has since dropped below the debit amount; the dedupe wins.
func TestDebitCreditsReplayedReference(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	userID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paymaster.credit_balances").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(40)))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), userID, int64(-100), "job-run-42").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	resp, err := debitCredits(userID, 100, "job-run-42", "transcoding job")
	if err != nil {
		t.Fatalf("debitCredits failed: %v", err)
	}
	if !resp.AlreadyApplied {
		t.Fatal("expected already_applied=true for a replayed reference")
	}
	if resp.Balance != 40 {
		t.Fatalf("expected standing balance=40, got %d", resp.Balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebitCreditsRejectsBadInput(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()

	if _, err := debitCredits("user-1", 0, "ref-1", ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero credits, got %v", err)
	}
	if _, err := debitCredits("user-1", -5, "ref-1", ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative credits, got %v", err)
	}
	if _, err := debitCredits("user-1", 10, "", ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing reference, got %v", err)
	}
}

func TestReadBalanceAbsentRowReadsZero(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	mock.ExpectQuery("SELECT user_id, available_credits").
		WithArgs("new-user").
		WillReturnError(sql.ErrNoRows)

	balance, err := readBalance("new-user")
	if err != nil {
		t.Fatalf("readBalance failed: %v", err)
	}
	if balance.AvailableCredits != 0 || balance.TotalCreditsLifetime != 0 || balance.UsedCredits != 0 {
		t.Fatalf("expected zero balance, got %+v", balance)
	}
	if balance.UserID != "new-user" {
		t.Fatalf("expected user_id=new-user, got %s", balance.UserID)
	}

	// The read path never creates the row.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleTerminalIdempotent(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Cleanup(func() {
		db = nil
	})

	f := testutil.NewDatabaseFixtures()
	expired := f.PendingPayment()
	expired.Status = models.PaymentExpired

	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(expired.ID, "expired", nil).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(expired)...))

	payment, changed, err := settleTerminal(expired.ID, models.PaymentExpired, nil, "sweeper")
	if err != nil {
		t.Fatalf("settleTerminal failed: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true on the first settle")
	}
	if payment.Status != models.PaymentExpired {
		t.Fatalf("expected expired status, got %s", payment.Status)
	}

	// Second call: the guarded update misses and the current row is returned.
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(expired.ID, "expired", nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(expired.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(expired)...))

	payment, changed, err = settleTerminal(expired.ID, models.PaymentExpired, nil, "sweeper")
	if err != nil {
		t.Fatalf("settleTerminal replay failed: %v", err)
	}
	if changed {
		t.Fatal("expected changed=false on the second settle")
	}
	if payment.Status != models.PaymentExpired {
		t.Fatalf("expected expired status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleTerminalRejectsNonTerminalStatus(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()

	if _, _, err := settleTerminal("payment-1", models.PaymentConfirmed, nil, "webhook"); err == nil {
		t.Fatal("expected an error for a non-terminal settle status")
	}
}

// newTestMetrics builds unregistered metric vectors so handler code can
// record freely without a Prometheus registry.
func newTestMetrics() *PaymasterMetrics {
	return &PaymasterMetrics{
		PaymentsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_payments_issued_total"},
			[]string{"currency", "reason"},
		),
		PaymentsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_payments_settled_total"},
			[]string{"status", "source"},
		),
		CreditsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_credits_applied_total"},
			[]string{"reason"},
		),
		ReconcileCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_reconcile_cycles_total"},
			[]string{"result"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_webhook_events_total"},
			[]string{"provider", "result"},
		),
		BalanceAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_balance_anomalies_total"},
			[]string{"kind"},
		),
		DBQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_db_queries_total"},
			[]string{"query_type", "status"},
		),
		DBDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_db_duration_seconds"},
			[]string{"query_type"},
		),
		DBConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "test_db_connections"},
			[]string{"database"},
		),
	}
}

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradeworks/paymaster/internal/coffer"
	"tradeworks/paymaster/pkg/models"
	"tradeworks/paymaster/pkg/testutil"
)

func TestReconcilePaymentExpiresClosedWindow(t *testing.T) {
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
	pending.CreatedAt = time.Now().Add(-40 * time.Minute)
	pending.ExpiresAt = time.Now().Add(-20 * time.Minute)

	expired := f.PendingPayment()
	expired.Status = models.PaymentExpired
	expired.CreatedAt = pending.CreatedAt
	expired.ExpiresAt = pending.ExpiresAt

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(pending.ID, "expired", nil).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(expired)...))

	payment, changed, err := reconcilePayment(context.Background(), pending.ID, "monitor")
	if err != nil {
		t.Fatalf("reconcilePayment failed: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true for a payment past its window")
	}
	if payment.Status != models.PaymentExpired {
		t.Fatalf("expected expired status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePaymentConfirmsSeenAtDepth(t *testing.T) {
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
	pending.ExpiresAt = time.Now().Add(10 * time.Minute)

	txRef := "0xseen"
	confirmedAt := time.Now()
	confirmed := f.PendingPayment()
	confirmed.Status = models.PaymentConfirmed
	confirmed.ExpiresAt = pending.ExpiresAt
	confirmed.TransactionReference = &txRef
	confirmed.ConfirmedAt = &confirmedAt

	// USDC needs 12 confirmations before a seen transfer settles.
	testCofferClient(t, paymentStatusHandler(coffer.PaymentStatus{
		PaymentID:            pending.ID,
		Status:               coffer.StatusSeen,
		Confirmations:        12,
		TransactionReference: txRef,
	}))

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(pending.ID, txRef).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))
	mock.ExpectExec("INSERT INTO paymaster.credit_ledger").
		WithArgs(sqlmock.AnyArg(), pending.ID, pending.UserID, pending.CreditsQuoted, string(pending.Reason)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_credits FROM paymaster.credit_balances").
		WithArgs(pending.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(100)))
	mock.ExpectQuery("UPDATE paymaster.credit_balances").
		WithArgs(pending.CreditsQuoted, pending.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"available_credits"}).AddRow(int64(100) + pending.CreditsQuoted))
	mock.ExpectCommit()

	payment, changed, err := reconcilePayment(context.Background(), pending.ID, "monitor")
	if err != nil {
		t.Fatalf("reconcilePayment failed: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true for a sufficiently confirmed transfer")
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("expected confirmed status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePaymentWaitsBelowDepth(t *testing.T) {
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
	pending.ExpiresAt = time.Now().Add(10 * time.Minute)

	testCofferClient(t, paymentStatusHandler(coffer.PaymentStatus{
		PaymentID:     pending.ID,
		Status:        coffer.StatusSeen,
		Confirmations: 3,
	}))

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))

	payment, changed, err := reconcilePayment(context.Background(), pending.ID, "monitor")
	if err != nil {
		t.Fatalf("reconcilePayment failed: %v", err)
	}
	if changed {
		t.Fatal("expected changed=false below the confirmation floor")
	}
	if payment.Status != models.PaymentPending {
		t.Fatalf("expected pending status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePaymentProviderFailureSettles(t *testing.T) {
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
	pending.ExpiresAt = time.Now().Add(10 * time.Minute)

	failed := f.PendingPayment()
	failed.Status = models.PaymentFailed
	failed.ExpiresAt = pending.ExpiresAt

	testCofferClient(t, paymentStatusHandler(coffer.PaymentStatus{
		PaymentID: pending.ID,
		Status:    coffer.StatusFailed,
	}))

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(pending.ID, "failed", nil).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(failed)...))

	payment, changed, err := reconcilePayment(context.Background(), pending.ID, "monitor")
	if err != nil {
		t.Fatalf("reconcilePayment failed: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true for a provider-failed payment")
	}
	if payment.Status != models.PaymentFailed {
		t.Fatalf("expected failed status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePaymentProviderUnreachable(t *testing.T) {
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
	pending.ExpiresAt = time.Now().Add(10 * time.Minute)

	testCofferClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))

	_, _, err = reconcilePayment(context.Background(), pending.ID, "monitor")
	if !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePaymentAlreadySettled(t *testing.T) {
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

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(confirmed.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))

	payment, changed, err := reconcilePayment(context.Background(), confirmed.ID, "monitor")
	if err != nil {
		t.Fatalf("reconcilePayment failed: %v", err)
	}
	if changed {
		t.Fatal("expected changed=false for a settled payment")
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("expected confirmed status, got %s", payment.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePendingPaymentsCycle(t *testing.T) {
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

	mock.ExpectQuery("SELECT id FROM paymaster.payment_requests").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(confirmed.ID))
	// The webhook settled it between listing and reconciling; nothing to do.
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(confirmed.ID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))

	monitor := NewSettlementMonitor(mockDB, logrus.New())
	monitor.reconcilePendingPayments(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcilePaymentEndpointUnknownPayment(t *testing.T) {
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

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs("no-such-payment").
		WillReturnError(sql.ErrNoRows)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/payments/:payment_id/reconcile", ReconcilePayment)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payments/no-such-payment/reconcile", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body=%s)", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func paymentStatusHandler(status coffer.PaymentStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradeworks/paymaster/internal/coffer"
	"tradeworks/paymaster/internal/sextant"
	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/models"
	"tradeworks/paymaster/pkg/testutil"
)

func TestIssuePaymentCreatesPendingRequest(t *testing.T) {
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

	t.Setenv("PAYMENT_WINDOW_MINUTES", "20")

	address := "0x52908400098527886E0F7030069857D2E4169EE7"
	testSextantClient(t, rateHandler("usdc", 1.0))
	testCofferClient(t, addressHandler(address, "coffer-qr-1"))

	userID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paymaster.payment_requests").
		WithArgs(sqlmock.AnyArg(), userID, nil, 100.0, "usdc", 100.0, address,
			"coffer-qr-1", "purchase", int64(100), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment, err := issuePayment(context.Background(), issueParams{
		UserID:    userID,
		AmountUSD: 100,
		Currency:  models.CurrencyUSDC,
	})
	if err != nil {
		t.Fatalf("issuePayment failed: %v", err)
	}

	if payment.Status != models.PaymentPending {
		t.Fatalf("expected pending status, got %s", payment.Status)
	}
	if payment.CryptoAmount != 100 {
		t.Fatalf("expected crypto_amount=100 at rate 1.0, got %f", payment.CryptoAmount)
	}
	if payment.CreditsQuoted != 100 {
		t.Fatalf("expected credits_quoted=100, got %d", payment.CreditsQuoted)
	}
	if payment.DestinationAddress != address {
		t.Fatalf("expected destination %s, got %s", address, payment.DestinationAddress)
	}
	if window := payment.ExpiresAt.Sub(payment.CreatedAt); window != 20*time.Minute {
		t.Fatalf("expected a 20 minute window, got %s", window)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIssuePaymentSupersedesPriorPending(t *testing.T) {
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

	address := "0x52908400098527886E0F7030069857D2E4169EE7"
	testSextantClient(t, rateHandler("usdc", 1.0))
	testCofferClient(t, addressHandler(address, ""))

	userID := "22222222-2222-2222-2222-222222222222"
	obligation := "obligation-2026-03"

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(userID, obligation).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("55555555-5555-5555-5555-555555555555"))
	mock.ExpectExec("INSERT INTO paymaster.payment_requests").
		WithArgs(sqlmock.AnyArg(), userID, obligation, 250.0, "usdc", 250.0, address,
			nil, "purchase", int64(250), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment, err := issuePayment(context.Background(), issueParams{
		UserID:        userID,
		AmountUSD:     250,
		Currency:      models.CurrencyUSDC,
		ObligationRef: &obligation,
	})
	if err != nil {
		t.Fatalf("issuePayment failed: %v", err)
	}
	if payment.ObligationRef == nil || *payment.ObligationRef != obligation {
		t.Fatalf("expected obligation_ref=%s, got %v", obligation, payment.ObligationRef)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIssuePaymentBelowMinimum(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()
	t.Setenv("MINIMUM_PURCHASE_USD", "10")

	_, err := issuePayment(context.Background(), issueParams{
		UserID:    "user-1",
		AmountUSD: 9.99,
		Currency:  models.CurrencyUSDC,
	})
	if !errors.Is(err, models.ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestIssuePaymentUnsupportedCurrency(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()

	_, err := issuePayment(context.Background(), issueParams{
		UserID:    "user-1",
		AmountUSD: 100,
		Currency:  models.SettlementCurrency("doge"),
	})
	if !errors.Is(err, models.ErrUnsupportedCurrency) {
		t.Fatalf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestIssuePaymentRejectsUnknownReason(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()

	_, err := issuePayment(context.Background(), issueParams{
		UserID:    "user-1",
		AmountUSD: 100,
		Currency:  models.CurrencyUSDC,
		Reason:    models.CreditReason("bogus"),
	})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIssuePaymentRateUnavailable(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()

	testSextantClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oracle down", http.StatusServiceUnavailable)
	}))

	_, err := issuePayment(context.Background(), issueParams{
		UserID:    "user-1",
		AmountUSD: 100,
		Currency:  models.CurrencyUSDC,
	})
	if !errors.Is(err, models.ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

// A provider address that fails local validation aborts issuance and releases
// the address back to Coffer.
func TestIssuePaymentRejectsUnusableProviderAddress(t *testing.T) {
	logger = logrus.New()
	metrics = newTestMetrics()

	testSextantClient(t, rateHandler("usdc", 1.0))

	var released atomic.Bool
	testCofferClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			// Mixed case with a broken EIP-55 checksum.
			_ = json.NewEncoder(w).Encode(coffer.Address{Address: "0x52908400098527886e0F7030069857D2E4169EE7"})
		case http.MethodDelete:
			released.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	_, err := issuePayment(context.Background(), issueParams{
		UserID:    "user-1",
		AmountUSD: 100,
		Currency:  models.CurrencyUSDC,
	})
	if !errors.Is(err, errProviderAddress) {
		t.Fatalf("expected errProviderAddress, got %v", err)
	}
	if !released.Load() {
		t.Fatal("expected the unusable address to be released")
	}
}

func TestGetPaymentStatusSettlesExpiredOnRead(t *testing.T) {
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
	pending.CreatedAt = time.Now().Add(-30 * time.Minute)
	pending.ExpiresAt = time.Now().Add(-10 * time.Minute)

	expired := f.PendingPayment()
	expired.Status = models.PaymentExpired
	expired.CreatedAt = pending.CreatedAt
	expired.ExpiresAt = pending.ExpiresAt

	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(pending.ID, pending.UserID).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(pending)...))
	mock.ExpectQuery("UPDATE paymaster.payment_requests").
		WithArgs(pending.ID, "expired", nil).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(expired)...))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/payment/status/:payment_id", func(c *gin.Context) {
		c.Set("user_id", pending.UserID)
		GetPaymentStatus(c)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment/status/"+pending.ID, nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", w.Code, w.Body.String())
	}

	var resp paymasterapi.PaymentStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(models.PaymentExpired) {
		t.Fatalf("expected expired status, got %s", resp.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetPaymentStatusUnknownPayment(t *testing.T) {
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
		WithArgs("missing-payment", "user-1").
		WillReturnError(sql.ErrNoRows)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/payment/status/:payment_id", func(c *gin.Context) {
		c.Set("user_id", "user-1")
		GetPaymentStatus(c)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment/status/missing-payment", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body=%s)", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetPaymentsPagination(t *testing.T) {
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

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM paymaster.payment_requests`).
		WithArgs(confirmed.UserID, "confirmed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id, user_id, obligation_ref").
		WithArgs(confirmed.UserID, "confirmed", 50, 0).
		WillReturnRows(sqlmock.NewRows(f.PaymentColumns()).AddRow(f.PaymentRowData(confirmed)...))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/payments", func(c *gin.Context) {
		c.Set("user_id", confirmed.UserID)
		GetPayments(c)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments?status=confirmed", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", w.Code, w.Body.String())
	}

	var resp paymasterapi.GetPaymentsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Payments) != 1 {
		t.Fatalf("expected one payment, got total=%d len=%d", resp.Total, len(resp.Payments))
	}
	if resp.Limit != 50 || resp.Offset != 0 {
		t.Fatalf("expected default paging 50/0, got %d/%d", resp.Limit, resp.Offset)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPageParamsClampsBadValues(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/payments?limit=900&offset=-3", nil)

	limit, offset := pageParams(c)
	if limit != 50 {
		t.Fatalf("expected limit clamped to 50, got %d", limit)
	}
	if offset != 0 {
		t.Fatalf("expected offset clamped to 0, got %d", offset)
	}

	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/payments?limit=25&offset=75", nil)

	limit, offset = pageParams(c)
	if limit != 25 || offset != 75 {
		t.Fatalf("expected 25/75, got %d/%d", limit, offset)
	}
}

// testCofferClient points the package Coffer client at a local test server.
func testCofferClient(t *testing.T, handler http.Handler) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cofferClient = coffer.NewClient(coffer.Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Logger:  logrus.New(),
	})
	t.Cleanup(func() {
		cofferClient = nil
	})
}

// testSextantClient points the package Sextant client at a local test server.
func testSextantClient(t *testing.T, handler http.Handler) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	sextantClient = sextant.NewClient(sextant.Config{
		BaseURL: server.URL,
		Logger:  logrus.New(),
	})
	t.Cleanup(func() {
		sextantClient = nil
	})
}

func rateHandler(currency string, rate float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sextant.RateQuote{
			Currency: currency,
			USDRate:  rate,
			AsOf:     time.Now(),
		})
	}
}

func addressHandler(address, qrReference string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(coffer.Address{
			Address:     address,
			QRReference: qrReference,
		})
	}
}

package testutil

import (
	"database/sql/driver"
	"time"

	"tradeworks/paymaster/pkg/models"
)

// DatabaseFixtures provides test data fixtures for database testing
type DatabaseFixtures struct{}

// NewDatabaseFixtures creates a new database fixtures helper
func NewDatabaseFixtures() *DatabaseFixtures {
	return &DatabaseFixtures{}
}

// PendingPayment creates a pending payment with the optional fields NULL
func (f *DatabaseFixtures) PendingPayment() *models.PaymentRequest {
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &models.PaymentRequest{
		ID:                 "11111111-1111-1111-1111-111111111111",
		UserID:             "22222222-2222-2222-2222-222222222222",
		ObligationRef:      nil,
		AmountUSD:          250,
		Currency:           models.CurrencyUSDC,
		CryptoAmount:       250.25,
		DestinationAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		QRReference:        nil,
		Status:             models.PaymentPending,
		Reason:             models.ReasonPurchase,
		CreditsQuoted:      250,
		CreatedAt:          created,
		ExpiresAt:          created.Add(20 * time.Minute),
	}
}

// ConfirmedPayment creates a confirmed profit-share settlement payment
func (f *DatabaseFixtures) ConfirmedPayment() *models.PaymentRequest {
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	confirmed := created.Add(6 * time.Minute)
	obligation := "obligation-2026-03"
	qr := "coffer-qr-abc"
	txRef := "0xdeadbeef"
	return &models.PaymentRequest{
		ID:                   "33333333-3333-3333-3333-333333333333",
		UserID:               "22222222-2222-2222-2222-222222222222",
		ObligationRef:        &obligation,
		AmountUSD:            711.88,
		Currency:             models.CurrencyETH,
		CryptoAmount:         0.31995341,
		DestinationAddress:   "0x52908400098527886E0F7030069857D2E4169EE7",
		QRReference:          &qr,
		Status:               models.PaymentConfirmed,
		TransactionReference: &txRef,
		Reason:               models.ReasonProfitFee,
		CreditsQuoted:        711,
		CreatedAt:            created,
		ExpiresAt:            created.Add(20 * time.Minute),
		ConfirmedAt:          &confirmed,
	}
}

// PaymentColumns returns the column names for payment queries
func (f *DatabaseFixtures) PaymentColumns() []string {
	return []string{
		"id", "user_id", "obligation_ref", "amount_usd", "currency",
		"crypto_amount", "destination_address", "qr_reference", "status",
		"transaction_reference", "reason", "credits_quoted",
		"created_at", "expires_at", "confirmed_at",
	}
}

// PaymentRowData returns row data for a given payment model. Nullable
// fields are flattened to canonical driver values so scans behave like the
// real driver's.
func (f *DatabaseFixtures) PaymentRowData(p *models.PaymentRequest) []driver.Value {
	return []driver.Value{
		p.ID, p.UserID, nullString(p.ObligationRef), p.AmountUSD, string(p.Currency),
		p.CryptoAmount, p.DestinationAddress, nullString(p.QRReference), string(p.Status),
		nullString(p.TransactionReference), string(p.Reason), p.CreditsQuoted,
		p.CreatedAt, p.ExpiresAt, nullTime(p.ConfirmedAt),
	}
}

func nullString(s *string) driver.Value {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return *t
}

// LedgerEntryColumns returns the column names for credit ledger queries
func (f *DatabaseFixtures) LedgerEntryColumns() []string {
	return []string{"id", "payment_id", "user_id", "delta_credits", "reason", "reference_id", "applied_at"}
}

// BalanceColumns returns the column names for credit balance queries
func (f *DatabaseFixtures) BalanceColumns() []string {
	return []string{"user_id", "available_credits", "total_credits_lifetime", "used_credits", "updated_at"}
}

// NullTimeValue represents a nullable time value for SQL mocking
type NullTimeValue struct {
	Time  time.Time
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullTimeValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case time.Time:
		return n.Valid && val.Equal(n.Time)
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullStringValue represents a nullable string value for SQL mocking
type NullStringValue struct {
	String string
	Valid  bool
}

// Match implements sqlmock.Argument interface
func (n NullStringValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		return n.Valid && val == n.String
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullIntValue represents a nullable int value for SQL mocking
type NullIntValue struct {
	Int   int
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullIntValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case int:
		return n.Valid && val == n.Int
	case int64:
		return n.Valid && int64(n.Int) == val
	case nil:
		return !n.Valid
	default:
		return false
	}
}

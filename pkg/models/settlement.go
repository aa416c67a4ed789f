package models

import (
	"time"
)

// PaymentStatus is the lifecycle state of a payment request. Transitions are
// monotonic: pending may move to any terminal state, terminal states never
// change again.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
)

// Terminal reports whether the status is final.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentConfirmed, PaymentFailed, PaymentExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic lifecycle.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return false
	}
	return s == PaymentPending && next.Terminal()
}

// SettlementCurrency is one of the fixed set of currencies a payment request
// may settle in.
type SettlementCurrency string

const (
	CurrencyUSDC SettlementCurrency = "usdc"
	CurrencyUSDT SettlementCurrency = "usdt"
	CurrencyETH  SettlementCurrency = "eth"
	CurrencyBTC  SettlementCurrency = "btc"
)

// SettlementCurrencies lists every supported settlement currency.
var SettlementCurrencies = []SettlementCurrency{CurrencyUSDC, CurrencyUSDT, CurrencyETH, CurrencyBTC}

// Valid reports whether c is a supported settlement currency.
func (c SettlementCurrency) Valid() bool {
	switch c {
	case CurrencyUSDC, CurrencyUSDT, CurrencyETH, CurrencyBTC:
		return true
	}
	return false
}

// CreditReason classifies a ledger entry.
type CreditReason string

const (
	ReasonPurchase   CreditReason = "purchase"
	ReasonProfitFee  CreditReason = "profit-share-fee-settlement"
	ReasonUsageDebit CreditReason = "usage-debit"
)

// PaymentRequest is a USD-denominated obligation settled in crypto. Owned
// exclusively by the settlement subsystem; read-only to consumers; never
// deleted.
type PaymentRequest struct {
	ID                   string             `json:"id" db:"id"`
	UserID               string             `json:"user_id" db:"user_id"`
	ObligationRef        *string            `json:"obligation_ref,omitempty" db:"obligation_ref"`
	AmountUSD            float64            `json:"amount_usd" db:"amount_usd"`
	Currency             SettlementCurrency `json:"currency" db:"currency"`
	CryptoAmount         float64            `json:"crypto_amount" db:"crypto_amount"`
	DestinationAddress   string             `json:"destination_address" db:"destination_address"`
	QRReference          *string            `json:"qr_reference,omitempty" db:"qr_reference"`
	Status               PaymentStatus      `json:"status" db:"status"`
	TransactionReference *string            `json:"transaction_reference,omitempty" db:"transaction_reference"`
	Reason               CreditReason       `json:"reason" db:"reason"`
	CreditsQuoted        int64              `json:"credits_quoted" db:"credits_quoted"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	ExpiresAt            time.Time          `json:"expires_at" db:"expires_at"`
	ConfirmedAt          *time.Time         `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// PastExpiry reports whether the request's payment window has closed at now.
func (p *PaymentRequest) PastExpiry(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// CreditLedgerEntry is one append-only balance mutation. PaymentID carries
// the uniqueness that makes credit application idempotent; debit entries
// reference their originating operation through ReferenceID instead.
type CreditLedgerEntry struct {
	ID           string       `json:"id" db:"id"`
	PaymentID    *string      `json:"payment_id,omitempty" db:"payment_id"`
	UserID       string       `json:"user_id" db:"user_id"`
	DeltaCredits int64        `json:"delta_credits" db:"delta_credits"`
	Reason       CreditReason `json:"reason" db:"reason"`
	ReferenceID  *string      `json:"reference_id,omitempty" db:"reference_id"`
	AppliedAt    time.Time    `json:"applied_at" db:"applied_at"`
}

// UserCreditBalance is the materialized fold over the ledger for one user.
// The ledger remains the source of truth; this row is maintained in the same
// transaction as each ledger insert and audited periodically.
type UserCreditBalance struct {
	UserID               string    `json:"user_id" db:"user_id"`
	AvailableCredits     int64     `json:"available_credits" db:"available_credits"`
	TotalCreditsLifetime int64     `json:"total_credits_lifetime" db:"total_credits_lifetime"`
	UsedCredits          int64     `json:"used_credits" db:"used_credits"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// FeeBreakdown is the result of a profit-share fee quote.
type FeeBreakdown struct {
	TotalProfit    float64 `json:"total_profit"`
	FeePercentage  float64 `json:"fee_percentage"`
	PlatformFee    float64 `json:"platform_fee"`
	UserRetained   float64 `json:"user_retained"`
	CreditsGranted int64   `json:"credits_granted"`
}

package paymaster

import (
	"time"

	"tradeworks/paymaster/pkg/api/common"
	"tradeworks/paymaster/pkg/models"
)

// Request/response types for the Paymaster settlement API

// ErrorResponse is re-exported from common for backwards compatibility
type ErrorResponse = common.ErrorResponse

// IssuePaymentRequest opens a crypto settlement for a dollar amount.
// ObligationRef ties the payment to a fee obligation; when set, any
// pending payment for the same obligation is superseded.
type IssuePaymentRequest struct {
	AmountUSD     float64 `json:"amount_usd" binding:"required"`
	Currency      string  `json:"currency" binding:"required"`
	ObligationRef *string `json:"obligation_ref,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// IssuePaymentResponse carries everything a client needs to render the
// payment screen: destination, exact crypto amount and the expiry clock.
type IssuePaymentResponse struct {
	PaymentID          string    `json:"payment_id"`
	DestinationAddress string    `json:"destination_address"`
	Currency           string    `json:"currency"`
	AmountUSD          float64   `json:"amount_usd"`
	CryptoAmount       float64   `json:"crypto_amount"`
	QRReference        *string   `json:"qr_reference,omitempty"`
	CreditsQuoted      int64     `json:"credits_quoted"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// PaymentStatusResponse is the polling surface. TransactionReference is
// only present once the provider has seen the transfer.
type PaymentStatusResponse struct {
	PaymentID            string     `json:"payment_id"`
	Status               string     `json:"status"`
	TransactionReference *string    `json:"transaction_reference,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
}

type GetPaymentResponse struct {
	Payment models.PaymentRequest `json:"payment"`
}

type GetPaymentsResponse struct {
	Payments []models.PaymentRequest `json:"payments"`
	Total    int                     `json:"total"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

type BalanceResponse struct {
	UserID           string    `json:"user_id"`
	AvailableCredits int64     `json:"available_credits"`
	LifetimeCredits  int64     `json:"lifetime_credits"`
	UsedCredits      int64     `json:"used_credits"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type CreditHistoryResponse struct {
	Entries []models.CreditLedgerEntry `json:"entries"`
	Total   int                        `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// ApplyCreditsRequest finalizes a confirmed payment into the ledger.
// The payment row is the source of truth for user, delta and reason;
// the client only names which payment it observed.
type ApplyCreditsRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
}

type ApplyCreditsResponse struct {
	PaymentID      string `json:"payment_id"`
	CreditsGranted int64  `json:"credits_granted"`
	AlreadyApplied bool   `json:"already_applied"`
	Balance        int64  `json:"balance"`
}

// FeeQuoteRequest computes the platform's share of a profit figure.
type FeeQuoteRequest struct {
	TotalProfit   float64 `json:"total_profit" binding:"required"`
	FeePercentage float64 `json:"fee_percentage" binding:"required"`
}

type FeeQuoteResponse struct {
	Breakdown models.FeeBreakdown `json:"breakdown"`
}

// SettlementIssueRequest opens a payment for a profit-share fee in one
// call: the fee is computed server-side and issued as the payment amount.
type SettlementIssueRequest struct {
	TotalProfit   float64 `json:"total_profit" binding:"required"`
	FeePercentage float64 `json:"fee_percentage" binding:"required"`
	Currency      string  `json:"currency" binding:"required"`
	ObligationRef *string `json:"obligation_ref,omitempty"`
}

type SettlementIssueResponse struct {
	Breakdown models.FeeBreakdown  `json:"breakdown"`
	Payment   IssuePaymentResponse `json:"payment"`
}

// ServiceIssueRequest opens a payment on behalf of a user from another
// backend service.
type ServiceIssueRequest struct {
	UserID        string  `json:"user_id" binding:"required"`
	AmountUSD     float64 `json:"amount_usd" binding:"required"`
	Currency      string  `json:"currency" binding:"required"`
	ObligationRef *string `json:"obligation_ref,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// DebitRequest is the service-to-service spend path. ReferenceID makes
// retries idempotent: the same reference never debits twice.
type DebitRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Credits     int64  `json:"credits" binding:"required"`
	ReferenceID string `json:"reference_id" binding:"required"`
	Description string `json:"description,omitempty"`
}

type DebitResponse struct {
	UserID         string `json:"user_id"`
	Debited        int64  `json:"debited"`
	Balance        int64  `json:"balance"`
	AlreadyApplied bool   `json:"already_applied"`
}

type ReconcileResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Changed   bool   `json:"changed"`
}

// StatusEvent is pushed over the websocket subscription whenever a
// payment's status changes.
type StatusEvent struct {
	PaymentID            string     `json:"payment_id"`
	Status               string     `json:"status"`
	TransactionReference *string    `json:"transaction_reference,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	Timestamp            time.Time  `json:"timestamp"`
}

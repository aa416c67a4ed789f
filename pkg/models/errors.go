package models

import "errors"

// Settlement error taxonomy. Issuance errors surface immediately to the
// caller; polling errors are transient and retried; ledger errors are logged
// with ErrAlreadyApplied treated as a no-op success.
var (
	// ErrBelowMinimum rejects issuance under the configured purchase floor.
	ErrBelowMinimum = errors.New("amount below minimum purchase")

	// ErrInvalidInput rejects out-of-domain fee or issuance arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateUnavailable means the rate oracle could not quote the requested
	// currency. Fatal to that issuance attempt; the user may retry.
	ErrRateUnavailable = errors.New("conversion rate unavailable")

	// ErrNetwork marks transient transport failures; pollers absorb these and
	// retry on the next interval.
	ErrNetwork = errors.New("network error")

	// ErrAlreadyApplied means the ledger already holds an entry for the
	// payment. Expected under poll/push races; callers treat it as success.
	ErrAlreadyApplied = errors.New("credit already applied for payment")

	// ErrUnknownPayment means the referenced payment does not exist. Fatal;
	// indicates a corrupted reference.
	ErrUnknownPayment = errors.New("unknown payment")

	// ErrNotConfirmed rejects a credit apply for a payment that has not
	// reached confirmed status.
	ErrNotConfirmed = errors.New("payment not confirmed")

	// ErrPaymentExpired and ErrPaymentFailed are terminal outcomes; a new
	// issue is required, the same request is never retried.
	ErrPaymentExpired = errors.New("payment expired")
	ErrPaymentFailed  = errors.New("payment failed")

	// ErrInsufficientCredits rejects a usage debit larger than the available
	// balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnsupportedCurrency rejects issuance in a currency outside the
	// settlement set.
	ErrUnsupportedCurrency = errors.New("unsupported settlement currency")
)

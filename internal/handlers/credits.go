package handlers

import (
	"errors"
	"net/http"
	"time"

	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/middleware"
	"tradeworks/paymaster/pkg/models"
)

func balanceResponse(b *models.UserCreditBalance) paymasterapi.BalanceResponse {
	return paymasterapi.BalanceResponse{
		UserID:           b.UserID,
		AvailableCredits: b.AvailableCredits,
		LifetimeCredits:  b.TotalCreditsLifetime,
		UsedCredits:      b.UsedCredits,
		UpdatedAt:        b.UpdatedAt,
	}
}

// GetBalance returns the authenticated user's credit balance
func GetBalance(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	balance, err := readBalance(userID)
	if err != nil {
		logger.WithError(err).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, balanceResponse(balance))
}

// ServiceGetBalance returns any user's balance for other services
func ServiceGetBalance(c middleware.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "user_id is required"})
		return
	}

	balance, err := readBalance(userID)
	if err != nil {
		logger.WithError(err).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, balanceResponse(balance))
}

// GetCreditHistory returns the user's ledger entries, newest first
func GetCreditHistory(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	limit, offset := pageParams(c)
	start := time.Now()

	var total int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM paymaster.credit_ledger WHERE user_id = $1
	`, userID).Scan(&total)
	if err != nil {
		observeDB("credit_history", start, err)
		logger.WithError(err).Error("Failed to count ledger entries")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to fetch credit history"})
		return
	}

	rows, err := db.Query(`
		SELECT id, payment_id, user_id, delta_credits, reason, reference_id, applied_at
		FROM paymaster.credit_ledger
		WHERE user_id = $1
		ORDER BY applied_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	observeDB("credit_history", start, err)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch ledger entries")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to fetch credit history"})
		return
	}
	defer rows.Close()

	entries := []models.CreditLedgerEntry{}
	for rows.Next() {
		var e models.CreditLedgerEntry
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.UserID, &e.DeltaCredits,
			&e.Reason, &e.ReferenceID, &e.AppliedAt); err != nil {
			logger.WithError(err).Error("Error scanning ledger entry")
			continue
		}
		entries = append(entries, e)
	}

	c.JSON(http.StatusOK, paymasterapi.CreditHistoryResponse{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// ApplyCredits finalizes one of the user's confirmed payments into credits.
// Replays return the same response with already_applied set.
func ApplyCredits(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req paymasterapi.ApplyCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	// Ownership check before touching the ledger.
	if _, err := getPayment(req.PaymentID, &userID); err != nil {
		respondPaymentLookupError(c, err)
		return
	}

	resp, err := applyPaymentCredit(req.PaymentID)
	if err != nil {
		respondApplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ServiceApplyCredits finalizes a confirmed payment for another service
func ServiceApplyCredits(c middleware.Context) {
	var req paymasterapi.ApplyCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	resp, err := applyPaymentCredit(req.PaymentID)
	if err != nil {
		respondApplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func respondApplyError(c middleware.Context, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownPayment):
		c.JSON(http.StatusNotFound, paymasterapi.ErrorResponse{Error: "Payment not found"})
	case errors.Is(err, models.ErrNotConfirmed):
		c.JSON(http.StatusConflict, paymasterapi.ErrorResponse{Error: "Payment not confirmed yet"})
	case errors.Is(err, models.ErrPaymentExpired):
		c.JSON(http.StatusConflict, paymasterapi.ErrorResponse{Error: "Payment expired"})
	case errors.Is(err, models.ErrPaymentFailed):
		c.JSON(http.StatusConflict, paymasterapi.ErrorResponse{Error: "Payment failed"})
	default:
		logger.WithError(err).Error("Failed to apply credits")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to apply credits"})
	}
}

// ServiceDebitCredits spends a user's credits on behalf of another service.
// The reference_id makes retries safe.
func ServiceDebitCredits(c middleware.Context) {
	var req paymasterapi.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	resp, err := debitCredits(req.UserID, req.Credits, req.ReferenceID, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: err.Error()})
		case errors.Is(err, models.ErrInsufficientCredits):
			c.JSON(http.StatusPaymentRequired, paymasterapi.ErrorResponse{Error: err.Error()})
		default:
			logger.WithError(err).Error("Failed to debit credits")
			c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to debit credits"})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

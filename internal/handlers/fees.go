package handlers

import (
	"errors"
	"net/http"

	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/billing"
	"tradeworks/paymaster/pkg/middleware"
	"tradeworks/paymaster/pkg/models"
)

// QuoteFee computes the platform's profit-share cut. Pure calculation, no
// side effects; the client sees the breakdown before committing to settle.
func QuoteFee(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req paymasterapi.FeeQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	breakdown, err := billing.ComputeFees(req.TotalProfit, req.FeePercentage)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: err.Error()})
			return
		}
		logger.WithError(err).Error("Failed to compute fee quote")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to compute fee quote"})
		return
	}

	c.JSON(http.StatusOK, paymasterapi.FeeQuoteResponse{Breakdown: breakdown})
}

// IssueSettlement computes the profit-share fee and opens a payment for it in
// one call. The fee is always computed server-side; clients never pick the
// amount they settle.
func IssueSettlement(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req paymasterapi.SettlementIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	breakdown, err := billing.ComputeFees(req.TotalProfit, req.FeePercentage)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: err.Error()})
			return
		}
		logger.WithError(err).Error("Failed to compute settlement fee")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to compute settlement fee"})
		return
	}

	payment, err := issuePayment(c.Request.Context(), issueParams{
		UserID:        userID,
		AmountUSD:     breakdown.PlatformFee,
		Currency:      models.SettlementCurrency(req.Currency),
		ObligationRef: req.ObligationRef,
		Reason:        models.ReasonProfitFee,
	})
	if err != nil {
		respondIssueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, paymasterapi.SettlementIssueResponse{
		Breakdown: breakdown,
		Payment:   issueResponse(payment),
	})
}

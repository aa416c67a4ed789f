package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tradeworks/paymaster/internal/coffer"
	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/billing"
	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/kafka"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/middleware"
	"tradeworks/paymaster/pkg/models"
)

// errProviderAddress marks an address the provider handed back that failed
// local validation. Never the caller's fault; maps to a gateway error.
var errProviderAddress = errors.New("provider returned an unusable address")

const paymentColumns = `id, user_id, obligation_ref, amount_usd, currency, crypto_amount,
		       destination_address, qr_reference, status, transaction_reference,
		       reason, credits_quoted, created_at, expires_at, confirmed_at`

func minimumPurchaseUSD() float64 {
	return config.GetEnvFloat("MINIMUM_PURCHASE_USD", 10)
}

// paymentWindow returns the configured payment window, clamped to the
// 15-30 minute band.
func paymentWindow() time.Duration {
	minutes := config.GetEnvInt("PAYMENT_WINDOW_MINUTES", 20)
	if minutes < 15 {
		minutes = 15
	}
	if minutes > 30 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

type issueParams struct {
	UserID        string
	AmountUSD     float64
	Currency      models.SettlementCurrency
	ObligationRef *string
	Reason        models.CreditReason
}

// issuePayment is the single creation path for payment requests: rate quote,
// address provisioning with local validation, then the pending row. When the
// request names an obligation, any prior pending payment for the same
// (user, obligation) pair is expired inside the same transaction, so at most
// one pending request per pair ever exists.
func issuePayment(ctx context.Context, params issueParams) (*models.PaymentRequest, error) {
	if params.AmountUSD < minimumPurchaseUSD() {
		return nil, fmt.Errorf("%w: minimum is $%.2f", models.ErrBelowMinimum, minimumPurchaseUSD())
	}
	if !params.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedCurrency, params.Currency)
	}
	if params.Reason == "" {
		params.Reason = models.ReasonPurchase
	}
	if params.Reason != models.ReasonPurchase && params.Reason != models.ReasonProfitFee {
		return nil, fmt.Errorf("%w: reason %q", models.ErrInvalidInput, params.Reason)
	}

	rate, err := sextantClient.Rate(ctx, params.Currency)
	if err != nil {
		return nil, err
	}
	// Fixed at issuance; never recomputed even if the rate moves.
	cryptoAmount := billing.Round8(params.AmountUSD / rate)
	creditsQuoted := billing.CreditsForUSD(params.AmountUSD)

	paymentID := uuid.New().String()
	address, err := cofferClient.ProvisionAddress(ctx, coffer.AddressRequest{
		PaymentID:    paymentID,
		Currency:     string(params.Currency),
		CryptoAmount: cryptoAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision destination address: %w", err)
	}

	if err := validateDestinationAddress(params.Currency, address.Address); err != nil {
		logger.WithFields(logging.Fields{
			"payment_id": paymentID,
			"currency":   params.Currency,
			"address":    address.Address,
			"error":      err,
		}).Error("Provider address failed local validation")
		cofferClient.ReleaseAddress(ctx, paymentID)
		return nil, fmt.Errorf("%w: %v", errProviderAddress, err)
	}

	var qrRef *string
	if address.QRReference != "" {
		qrRef = &address.QRReference
	}

	now := time.Now()
	payment := &models.PaymentRequest{
		ID:                 paymentID,
		UserID:             params.UserID,
		ObligationRef:      params.ObligationRef,
		AmountUSD:          params.AmountUSD,
		Currency:           params.Currency,
		CryptoAmount:       cryptoAmount,
		DestinationAddress: address.Address,
		QRReference:        qrRef,
		Status:             models.PaymentPending,
		Reason:             params.Reason,
		CreditsQuoted:      creditsQuoted,
		CreatedAt:          now,
		ExpiresAt:          now.Add(paymentWindow()),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var superseded []string
	if params.ObligationRef != nil {
		rows, err := tx.Query(`
			UPDATE paymaster.payment_requests
			SET status = 'expired'
			WHERE user_id = $1 AND obligation_ref = $2 AND status = 'pending'
			RETURNING id
		`, params.UserID, *params.ObligationRef)
		if err != nil {
			return nil, fmt.Errorf("failed to supersede prior payment: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan superseded payment: %w", err)
			}
			superseded = append(superseded, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to supersede prior payment: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO paymaster.payment_requests (
			id, user_id, obligation_ref, amount_usd, currency, crypto_amount,
			destination_address, qr_reference, status, reason, credits_quoted,
			created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, $12)
	`, payment.ID, payment.UserID, payment.ObligationRef, payment.AmountUSD,
		payment.Currency, payment.CryptoAmount, payment.DestinationAddress,
		payment.QRReference, payment.Reason, payment.CreditsQuoted,
		payment.CreatedAt, payment.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit payment request: %w", err)
	}

	metrics.PaymentsIssued.WithLabelValues(string(payment.Currency), string(payment.Reason)).Inc()
	for _, id := range superseded {
		metrics.PaymentsSettled.WithLabelValues("expired", "superseded").Inc()
		emitSettlementEvent(kafka.EventPaymentExpired, params.UserID, id, map[string]interface{}{
			"superseded_by": payment.ID,
		})
	}
	emitSettlementEvent(kafka.EventPaymentIssued, payment.UserID, payment.ID, map[string]interface{}{
		"amount_usd":    payment.AmountUSD,
		"currency":      payment.Currency,
		"crypto_amount": payment.CryptoAmount,
		"reason":        payment.Reason,
		"expires_at":    payment.ExpiresAt,
	})

	logger.WithFields(logging.Fields{
		"payment_id":    payment.ID,
		"user_id":       payment.UserID,
		"amount_usd":    payment.AmountUSD,
		"currency":      payment.Currency,
		"crypto_amount": payment.CryptoAmount,
		"reason":        payment.Reason,
		"superseded":    len(superseded),
	}).Info("Issued payment request")

	return payment, nil
}

// IssuePayment opens a settlement payment for the authenticated user
func IssuePayment(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req paymasterapi.IssuePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	payment, err := issuePayment(c.Request.Context(), issueParams{
		UserID:        userID,
		AmountUSD:     req.AmountUSD,
		Currency:      models.SettlementCurrency(req.Currency),
		ObligationRef: req.ObligationRef,
		Reason:        models.CreditReason(req.Reason),
	})
	if err != nil {
		respondIssueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, issueResponse(payment))
}

// ServiceIssuePayment opens a payment on behalf of a user for another service
func ServiceIssuePayment(c middleware.Context) {
	var req paymasterapi.ServiceIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	payment, err := issuePayment(c.Request.Context(), issueParams{
		UserID:        req.UserID,
		AmountUSD:     req.AmountUSD,
		Currency:      models.SettlementCurrency(req.Currency),
		ObligationRef: req.ObligationRef,
		Reason:        models.CreditReason(req.Reason),
	})
	if err != nil {
		respondIssueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, issueResponse(payment))
}

func respondIssueError(c middleware.Context, err error) {
	switch {
	case errors.Is(err, models.ErrBelowMinimum),
		errors.Is(err, models.ErrUnsupportedCurrency),
		errors.Is(err, models.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrRateUnavailable):
		c.JSON(http.StatusServiceUnavailable, paymasterapi.ErrorResponse{Error: "Conversion rate unavailable, try again shortly"})
	case errors.Is(err, errProviderAddress):
		c.JSON(http.StatusBadGateway, paymasterapi.ErrorResponse{Error: "Payment provider returned an unusable address"})
	default:
		logger.WithError(err).Error("Failed to issue payment")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to issue payment"})
	}
}

func issueResponse(p *models.PaymentRequest) paymasterapi.IssuePaymentResponse {
	return paymasterapi.IssuePaymentResponse{
		PaymentID:          p.ID,
		DestinationAddress: p.DestinationAddress,
		Currency:           string(p.Currency),
		AmountUSD:          p.AmountUSD,
		CryptoAmount:       p.CryptoAmount,
		QRReference:        p.QRReference,
		CreditsQuoted:      p.CreditsQuoted,
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		ExpiresAt:          p.ExpiresAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*models.PaymentRequest, error) {
	var p models.PaymentRequest
	err := row.Scan(&p.ID, &p.UserID, &p.ObligationRef, &p.AmountUSD, &p.Currency,
		&p.CryptoAmount, &p.DestinationAddress, &p.QRReference, &p.Status,
		&p.TransactionReference, &p.Reason, &p.CreditsQuoted, &p.CreatedAt,
		&p.ExpiresAt, &p.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// getPayment loads one payment, optionally scoped to an owner.
func getPayment(paymentID string, scopeUserID *string) (*models.PaymentRequest, error) {
	query := `SELECT ` + paymentColumns + ` FROM paymaster.payment_requests WHERE id = $1`
	args := []interface{}{paymentID}
	if scopeUserID != nil {
		query += ` AND user_id = $2`
		args = append(args, *scopeUserID)
	}

	payment, err := scanPayment(db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, models.ErrUnknownPayment
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	return payment, nil
}

// settleStatusOnRead settles a pending payment past its window to expired
// before reporting, so a read after the deadline never shows pending.
func settleStatusOnRead(payment *models.PaymentRequest) *models.PaymentRequest {
	if payment.Status != models.PaymentPending || !payment.PastExpiry(time.Now()) {
		return payment
	}

	settled, _, err := settleTerminal(payment.ID, models.PaymentExpired, nil, "status_read")
	if err != nil {
		logger.WithError(err).WithField("payment_id", payment.ID).Error("Failed to settle expired payment on read")
		return payment
	}
	return settled
}

func statusResponse(p *models.PaymentRequest) paymasterapi.PaymentStatusResponse {
	return paymasterapi.PaymentStatusResponse{
		PaymentID:            p.ID,
		Status:               string(p.Status),
		TransactionReference: p.TransactionReference,
		ConfirmedAt:          p.ConfirmedAt,
		ExpiresAt:            p.ExpiresAt,
	}
}

// GetPaymentStatus returns the current status of the user's payment, settling
// a closed window to expired on the way out
func GetPaymentStatus(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	payment, err := getPayment(c.Param("payment_id"), &userID)
	if err != nil {
		respondPaymentLookupError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(settleStatusOnRead(payment)))
}

// ServiceGetPaymentStatus is the unscoped status read for services
func ServiceGetPaymentStatus(c middleware.Context) {
	payment, err := getPayment(c.Param("payment_id"), nil)
	if err != nil {
		respondPaymentLookupError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(settleStatusOnRead(payment)))
}

// GetPayment returns the full payment record for its owner
func GetPayment(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	payment, err := getPayment(c.Param("payment_id"), &userID)
	if err != nil {
		respondPaymentLookupError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymasterapi.GetPaymentResponse{Payment: *settleStatusOnRead(payment)})
}

// ServiceGetPayment returns the full payment record for services
func ServiceGetPayment(c middleware.Context) {
	payment, err := getPayment(c.Param("payment_id"), nil)
	if err != nil {
		respondPaymentLookupError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymasterapi.GetPaymentResponse{Payment: *settleStatusOnRead(payment)})
}

func respondPaymentLookupError(c middleware.Context, err error) {
	if errors.Is(err, models.ErrUnknownPayment) {
		c.JSON(http.StatusNotFound, paymasterapi.ErrorResponse{Error: "Payment not found"})
		return
	}
	logger.WithError(err).Error("Failed to fetch payment")
	c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to fetch payment"})
}

// GetPayments returns the user's payment history, newest first
func GetPayments(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	limit, offset := pageParams(c)
	status := c.DefaultQuery("status", "")

	query := `SELECT ` + paymentColumns + ` FROM paymaster.payment_requests WHERE user_id = $1`
	countQuery := `SELECT COUNT(*) FROM paymaster.payment_requests WHERE user_id = $1`
	args := []interface{}{userID}

	if status != "" {
		query += ` AND status = $2`
		countQuery += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	var total int
	if err := db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		logger.WithError(err).Error("Failed to count payments")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to fetch payments"})
		return
	}

	rows, err := db.Query(query, append(args, limit, offset)...)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch payments")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to fetch payments"})
		return
	}
	defer rows.Close()

	payments := []models.PaymentRequest{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			logger.WithError(err).Error("Error scanning payment")
			continue
		}
		payments = append(payments, *payment)
	}

	c.JSON(http.StatusOK, paymasterapi.GetPaymentsResponse{
		Payments: payments,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func pageParams(c middleware.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/middleware"
	"tradeworks/paymaster/pkg/models"
)

// CofferWebhookPayload is the push notification Coffer sends when a watched
// payment changes state.
type CofferWebhookPayload struct {
	EventID              string `json:"event_id"`
	EventType            string `json:"event_type"`
	PaymentID            string `json:"payment_id"`
	Status               string `json:"status"`
	Confirmations        int    `json:"confirmations"`
	TransactionReference string `json:"transaction_reference,omitempty"`
}

// verifyCofferSignature verifies the Coffer webhook signature using HMAC-SHA256
func verifyCofferSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Parse Coffer signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Coffer signature format: missing timestamp or signatures")
		return false
	}

	// Verify timestamp is within tolerance (5 minutes)
	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Coffer webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Coffer webhook timestamp too old")
		return false
	}

	// Create signed payload: timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	// Calculate expected signature using HMAC-SHA256
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	// Compare with provided signatures using constant-time comparison
	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Coffer signature verification failed")

	return false
}

func cofferWebhookSecret() string {
	if cofferClient != nil && cofferClient.HasWebhookSecret() {
		return cofferClient.WebhookSecret()
	}
	return os.Getenv("COFFER_WEBHOOK_SECRET")
}

// HandleCofferWebhook receives pushed payment status changes from Coffer.
// Push is an accelerator: everything it does is also reachable through the
// poll path, so processing here must stay idempotent.
func HandleCofferWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Failed to read request body"})
		return
	}

	secret := cofferWebhookSecret()
	if secret == "" {
		logger.Error("COFFER_WEBHOOK_SECRET not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, paymasterapi.ErrorResponse{Error: "Webhook verification not configured"})
		return
	}

	signature := c.GetHeader("Coffer-Signature")
	if !verifyCofferSignature(body, signature, secret) {
		logger.Warn("Invalid Coffer webhook signature")
		metrics.WebhookEvents.WithLabelValues("coffer", "invalid_signature").Inc()
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var payload CofferWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid Coffer webhook payload")
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid payload"})
		return
	}
	if payload.EventID == "" || payload.PaymentID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Missing event_id or payment_id"})
		return
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.EventID,
		"event_type": payload.EventType,
		"payment_id": payload.PaymentID,
		"status":     payload.Status,
	}).Info("Received Coffer webhook")

	// Idempotency: a redelivered event is acked without reprocessing.
	if isWebhookAlreadyProcessed("coffer", payload.EventID) {
		logger.WithField("event_id", payload.EventID).Debug("Coffer webhook already processed, skipping")
		metrics.WebhookEvents.WithLabelValues("coffer", "duplicate").Inc()
		c.JSON(http.StatusOK, map[string]bool{"received": true})
		return
	}

	result, err := processCofferEvent(payload)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event_id":   payload.EventID,
			"payment_id": payload.PaymentID,
		}).Error("Failed to process Coffer webhook")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Failed to process webhook"})
		return
	}

	markWebhookProcessed("coffer", payload.EventID)
	metrics.WebhookEvents.WithLabelValues("coffer", result).Inc()
	c.JSON(http.StatusOK, map[string]bool{"received": true})
}

// processCofferEvent applies one verified, undeduplicated event. Returns a
// short result label for metrics; an error means the delivery should be
// retried by Coffer.
func processCofferEvent(payload CofferWebhookPayload) (string, error) {
	var txRef *string
	if payload.TransactionReference != "" {
		txRef = &payload.TransactionReference
	}

	switch payload.Status {
	case "paid", "confirmed":
		payment, changed, err := confirmAndApply(payload.PaymentID, txRef, "webhook")
		if err != nil {
			switch {
			case errors.Is(err, models.ErrUnknownPayment):
				logger.WithField("payment_id", payload.PaymentID).Warn("Coffer webhook references unknown payment")
				return "unknown_payment", nil
			case errors.Is(err, models.ErrPaymentExpired), errors.Is(err, models.ErrPaymentFailed):
				// Late confirmation for a payment we already settled.
				// Terminal states are never reopened; flag for support.
				logger.WithFields(logging.Fields{
					"payment_id": payload.PaymentID,
					"error":      err,
				}).Warn("Confirmation arrived for an already settled payment")
				return "late_confirmation", nil
			}
			return "", err
		}
		if changed {
			notifyPaymentOutcome(*payment, payment.CreditsQuoted)
		}
		return "confirmed", nil

	case "failed", "cancelled", "expired":
		payment, changed, err := settleTerminal(payload.PaymentID, models.PaymentFailed, txRef, "webhook")
		if err != nil {
			if errors.Is(err, models.ErrUnknownPayment) {
				logger.WithField("payment_id", payload.PaymentID).Warn("Coffer webhook references unknown payment")
				return "unknown_payment", nil
			}
			return "", err
		}
		if changed {
			notifyPaymentOutcome(*payment, 0)
		}
		return "failed", nil

	case "pending", "open", "seen":
		// Informational only; the poller owns in-flight progress.
		logger.WithFields(logging.Fields{
			"payment_id":    payload.PaymentID,
			"status":        payload.Status,
			"confirmations": payload.Confirmations,
		}).Debug("Coffer payment still in flight")
		return "acknowledged", nil

	default:
		logger.WithField("status", payload.Status).Debug("Ignoring unhandled Coffer webhook status")
		return "ignored", nil
	}
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM paymaster.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO paymaster.webhook_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}

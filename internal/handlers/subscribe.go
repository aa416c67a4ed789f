package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	paymasterapi "tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/middleware"
	"tradeworks/paymaster/pkg/models"
)

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced at the gateway
	},
}

const (
	statusPushInterval = 2 * time.Second
	statusWriteWait    = 10 * time.Second
)

// SubscribePaymentStatus streams status changes for one of the user's
// payments over a websocket. The first event reflects the current state; the
// connection closes once a terminal status has been delivered.
func SubscribePaymentStatus(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "User context required"})
		return
	}

	paymentID := c.Param("payment_id")
	payment, err := getPayment(paymentID, &userID)
	if err != nil {
		respondPaymentLookupError(c, err)
		return
	}

	conn, err := statusUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("Failed to upgrade status subscription")
		return
	}
	defer conn.Close()

	logger.WithFields(logging.Fields{
		"payment_id": paymentID,
		"user_id":    userID,
	}).Info("Payment status subscription opened")

	// Drain client frames so close frames are noticed promptly.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	payment = settleStatusOnRead(payment)
	if err := writeStatusEvent(conn, payment); err != nil {
		return
	}
	if payment.Status.Terminal() {
		return
	}

	lastStatus := payment.Status
	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-clientGone:
			return
		case <-ticker.C:
			payment, err := getPayment(paymentID, &userID)
			if err != nil {
				logger.WithError(err).WithField("payment_id", paymentID).Warn("Status subscription read failed")
				return
			}
			payment = settleStatusOnRead(payment)
			if payment.Status == lastStatus {
				continue
			}
			lastStatus = payment.Status

			if err := writeStatusEvent(conn, payment); err != nil {
				return
			}
			if payment.Status.Terminal() {
				return
			}
		}
	}
}

func writeStatusEvent(conn *websocket.Conn, payment *models.PaymentRequest) error {
	conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
	return conn.WriteJSON(paymasterapi.StatusEvent{
		PaymentID:            payment.ID,
		Status:               string(payment.Status),
		TransactionReference: payment.TransactionReference,
		ConfirmedAt:          payment.ConfirmedAt,
		Timestamp:            time.Now(),
	})
}

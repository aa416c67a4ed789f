package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"html/template"
	"os"
	"time"

	"tradeworks/paymaster/pkg/email"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/models"
)

// EmailService sends settlement outcome notifications. Disabled (all sends
// skipped) when the SMTP environment is not configured.
type EmailService struct {
	sender *email.Sender
	host   string
	logger logging.Logger
}

// settlementEmailData feeds the outcome templates.
type settlementEmailData struct {
	PaymentID      string
	AmountUSD      float64
	Currency       string
	CryptoAmount   float64
	CreditsGranted int64
	ConfirmedAt    time.Time
	LoginURL       string
}

// NewEmailService creates an email service from the SMTP environment.
func NewEmailService(logger logging.Logger) *EmailService {
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	if port == "" {
		port = "587"
	}

	sender := email.NewSender(email.Config{
		Host:     host,
		Port:     port,
		User:     os.Getenv("SMTP_USER"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("FROM_EMAIL"),
		FromName: os.Getenv("FROM_NAME"),
	})

	return &EmailService{
		sender: sender,
		host:   host,
		logger: logger,
	}
}

// IsConfigured checks if the email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.host != "" && os.Getenv("FROM_EMAIL") != ""
}

// SendPaymentConfirmedEmail notifies the user their payment settled and
// credits were granted.
func (es *EmailService) SendPaymentConfirmedEmail(to string, payment models.PaymentRequest, creditsGranted int64) error {
	if !es.IsConfigured() {
		es.logger.Debug("Email service not configured, skipping payment confirmed email")
		return nil
	}

	subject := fmt.Sprintf("Payment Confirmed - %d credits added", creditsGranted)
	data := settlementEmailData{
		PaymentID:      payment.ID,
		AmountUSD:      payment.AmountUSD,
		Currency:       string(payment.Currency),
		CryptoAmount:   payment.CryptoAmount,
		CreditsGranted: creditsGranted,
		ConfirmedAt:    time.Now(),
		LoginURL:       os.Getenv("BASE_URL") + "/login",
	}

	body, err := es.renderTemplate("payment_confirmed", data)
	if err != nil {
		return fmt.Errorf("failed to render payment confirmed template: %w", err)
	}

	return es.send(to, subject, body)
}

// SendPaymentFailedEmail notifies the user their payment did not settle.
func (es *EmailService) SendPaymentFailedEmail(to string, payment models.PaymentRequest) error {
	if !es.IsConfigured() {
		es.logger.Debug("Email service not configured, skipping payment failed email")
		return nil
	}

	subject := "Payment Failed"
	data := settlementEmailData{
		PaymentID:    payment.ID,
		AmountUSD:    payment.AmountUSD,
		Currency:     string(payment.Currency),
		CryptoAmount: payment.CryptoAmount,
		LoginURL:     os.Getenv("BASE_URL") + "/login",
	}

	body, err := es.renderTemplate("payment_failed", data)
	if err != nil {
		return fmt.Errorf("failed to render payment failed template: %w", err)
	}

	return es.send(to, subject, body)
}

func (es *EmailService) send(to, subject, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := es.sender.SendMail(ctx, to, subject, body); err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")
	return nil
}

func (es *EmailService) renderTemplate(templateName string, data settlementEmailData) (string, error) {
	templates := map[string]string{
		"payment_confirmed": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment Confirmed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #27ae60;">Payment Confirmed!</h2>

        <p>Your crypto payment has settled and your credits are ready to use.</p>

        <div style="background-color: #d4edda; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #27ae60;">
            <p><strong>Payment:</strong> {{.PaymentID}}</p>
            <p><strong>Amount:</strong> ${{.AmountUSD}} ({{.CryptoAmount}} {{.Currency}})</p>
            <p><strong>Credits Added:</strong> {{.CreditsGranted}}</p>
            <p><strong>Confirmed:</strong> {{.ConfirmedAt.Format "January 2, 2006 at 3:04 PM"}}</p>
        </div>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.LoginURL}}" style="background-color: #27ae60; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Balance</a>
        </p>

        <p>Thank you for trading with TradeWorks!</p>

        <p>Best regards,<br>The TradeWorks Team</p>
    </div>
</body>
</html>`,

		"payment_failed": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment Failed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e74c3c;">Payment Failed</h2>

        <p>Your crypto payment could not be settled:</p>

        <div style="background-color: #f8d7da; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #e74c3c;">
            <p><strong>Payment:</strong> {{.PaymentID}}</p>
            <p><strong>Amount:</strong> ${{.AmountUSD}} ({{.CryptoAmount}} {{.Currency}})</p>
        </div>

        <p>No credits were charged. You can start a new payment at any time;
        the failed one cannot be retried.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.LoginURL}}" style="background-color: #e74c3c; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Try Again</a>
        </p>

        <p>If you believe funds left your wallet, contact support with the payment id above.</p>

        <p>Best regards,<br>The TradeWorks Team</p>
    </div>
</body>
</html>`,
	}

	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// lookupUserEmail resolves a user's contact address from the shared platform
// schema. Missing rows are normal (service accounts, deleted users).
func lookupUserEmail(userID string) (string, bool) {
	var address string
	err := db.QueryRow(`SELECT email FROM tradeworks.users WHERE id = $1`, userID).Scan(&address)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Warn("Failed to look up user email")
		return "", false
	}
	return address, address != ""
}

// notifyPaymentOutcome sends the outcome email for a settled payment.
// Fire-and-forget: failures are logged, never propagated.
func notifyPaymentOutcome(payment models.PaymentRequest, creditsGranted int64) {
	if emailService == nil || !emailService.IsConfigured() {
		return
	}
	address, ok := lookupUserEmail(payment.UserID)
	if !ok {
		return
	}

	var err error
	switch payment.Status {
	case models.PaymentConfirmed:
		err = emailService.SendPaymentConfirmedEmail(address, payment, creditsGranted)
	case models.PaymentFailed:
		err = emailService.SendPaymentFailedEmail(address, payment)
	default:
		return
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"payment_id": payment.ID,
			"status":     payment.Status,
		}).Warn("Failed to send payment outcome email")
	}
}

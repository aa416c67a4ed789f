package coffer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tradeworks/paymaster/pkg/clients"
	"tradeworks/paymaster/pkg/logging"

	"github.com/go-resty/resty/v2"
)

// Client wraps the Coffer payment provider. Coffer owns everything
// on-chain: it provisions per-payment destination addresses, watches them
// for transfers, and reports transaction status back either on request or
// by webhook push.
type Client struct {
	http          *resty.Client
	breaker       *clients.CircuitBreaker
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Coffer client
type Config struct {
	BaseURL       string // COFFER_URL
	APIKey        string // COFFER_API_KEY
	WebhookSecret string // COFFER_WEBHOOK_SECRET, for push verification
	Timeout       time.Duration
	Logger        logging.Logger
}

// NewClient creates a new Coffer client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetAuthToken(config.APIKey)

	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:          "coffer",
		Logger:        config.Logger,
		OnStateChange: clients.CircuitBreakerMetricsCallback("coffer"),
	})

	return &Client{
		http:          httpClient,
		breaker:       breaker,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// WebhookSecret returns the shared secret used to verify pushed events
func (c *Client) WebhookSecret() string {
	return c.webhookSecret
}

// HasWebhookSecret returns true when webhook signature verification is configured.
func (c *Client) HasWebhookSecret() bool {
	return c.webhookSecret != ""
}

// AddressRequest asks Coffer to provision a watched destination address
type AddressRequest struct {
	PaymentID    string  `json:"payment_id"`
	Currency     string  `json:"currency"`
	CryptoAmount float64 `json:"crypto_amount"`
}

// Address is a provisioned destination. QRReference points at Coffer's
// rendered QR code for wallet apps.
type Address struct {
	Address     string `json:"address"`
	QRReference string `json:"qr_reference,omitempty"`
}

// ProvisionAddress provisions a destination address for a payment
func (c *Client) ProvisionAddress(ctx context.Context, req AddressRequest) (*Address, error) {
	var addr Address

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&addr).
			Post("/addresses")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
			return nil, fmt.Errorf("coffer returned status %d: %s", resp.StatusCode(), resp.Body())
		}
		return addr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision address: %w", err)
	}

	provisioned := result.(Address)
	if provisioned.Address == "" {
		return nil, fmt.Errorf("coffer returned empty address for payment %s", req.PaymentID)
	}

	c.logger.WithFields(logging.Fields{
		"payment_id": req.PaymentID,
		"currency":   req.Currency,
		"address":    provisioned.Address,
	}).Info("Provisioned destination address")

	return &provisioned, nil
}

// Provider-side payment states
const (
	StatusPending   = "pending"
	StatusSeen      = "seen" // transfer observed, confirmations accumulating
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// PaymentStatus is Coffer's view of a payment
type PaymentStatus struct {
	PaymentID            string `json:"payment_id"`
	Status               string `json:"status"`
	Confirmations        int    `json:"confirmations"`
	TransactionReference string `json:"transaction_reference,omitempty"`
}

// GetPaymentStatus asks Coffer for the provider-side state of a payment
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	var status PaymentStatus

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&status).
			Get(fmt.Sprintf("/payments/%s/status", paymentID))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("coffer returned status %d: %s", resp.StatusCode(), resp.Body())
		}
		return status, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment status: %w", err)
	}

	fetched := result.(PaymentStatus)
	return &fetched, nil
}

// ReleaseAddress tells Coffer to stop watching an address once the payment
// reached a terminal state. Best effort: Coffer garbage-collects watchers
// on its own schedule anyway.
func (c *Client) ReleaseAddress(ctx context.Context, paymentID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/addresses/%s", paymentID))
	if err != nil {
		return fmt.Errorf("failed to release address: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("coffer returned status %d: %s", resp.StatusCode(), resp.Body())
	}
	return nil
}

package paymaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tradeworks/paymaster/pkg/api/paymaster"
	"tradeworks/paymaster/pkg/clients"
	"tradeworks/paymaster/pkg/logging"
)

// Client represents a Paymaster API client for service-to-service calls
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the Paymaster client
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new Paymaster API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	// Add circuit breaker if configured
	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	httpClient := &http.Client{
		Timeout:   config.Timeout,
		Transport: clients.DefaultTransport(),
	}

	return &Client{
		baseURL:      config.BaseURL,
		httpClient:   httpClient,
		serviceToken: config.ServiceToken,
		logger:       config.Logger,
		retryConfig:  retryConfig,
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	return req, nil
}

// IssuePayment opens a settlement payment on behalf of a user
func (c *Client) IssuePayment(ctx context.Context, req *paymaster.ServiceIssueRequest) (*paymaster.IssuePaymentResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, "POST", fmt.Sprintf("%s/service/payments", c.baseURL), jsonBody)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var issueResp paymaster.IssuePaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&issueResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &issueResp, nil
}

// GetPayment retrieves a full payment record
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*paymaster.GetPaymentResponse, error) {
	httpReq, err := c.newRequest(ctx, "GET", fmt.Sprintf("%s/service/payments/%s", c.baseURL, url.PathEscape(paymentID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var paymentResp paymaster.GetPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&paymentResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &paymentResp, nil
}

// GetPaymentStatus retrieves the current status of a payment. This is the
// polling endpoint: the backend re-checks the provider and settles expiry
// before answering.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*paymaster.PaymentStatusResponse, error) {
	httpReq, err := c.newRequest(ctx, "GET", fmt.Sprintf("%s/service/payments/%s/status", c.baseURL, url.PathEscape(paymentID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var statusResp paymaster.PaymentStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &statusResp, nil
}

// GetBalance retrieves a user's credit balance
func (c *Client) GetBalance(ctx context.Context, userID string) (*paymaster.BalanceResponse, error) {
	httpReq, err := c.newRequest(ctx, "GET", fmt.Sprintf("%s/service/credits/balance?user_id=%s", c.baseURL, url.QueryEscape(userID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var balanceResp paymaster.BalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&balanceResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &balanceResp, nil
}

// ApplyCredits finalizes a confirmed payment into credits. Safe to retry:
// a payment that was already applied reports AlreadyApplied instead of
// crediting twice.
func (c *Client) ApplyCredits(ctx context.Context, req *paymaster.ApplyCreditsRequest) (*paymaster.ApplyCreditsResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, "POST", fmt.Sprintf("%s/service/credits/apply", c.baseURL), jsonBody)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var applyResp paymaster.ApplyCreditsResponse
	if err := json.NewDecoder(resp.Body).Decode(&applyResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &applyResp, nil
}

// DebitCredits spends credits from a user's balance
func (c *Client) DebitCredits(ctx context.Context, req *paymaster.DebitRequest) (*paymaster.DebitResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, "POST", fmt.Sprintf("%s/service/credits/debit", c.baseURL), jsonBody)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	// 402 means not enough credits; surface the body so callers can show it
	if resp.StatusCode == http.StatusPaymentRequired {
		body, _ := io.ReadAll(resp.Body)
		var errorResp paymaster.ErrorResponse
		if json.Unmarshal(body, &errorResp) == nil && errorResp.Error != "" {
			return nil, fmt.Errorf("insufficient credits: %s", errorResp.Error)
		}
		return nil, fmt.Errorf("insufficient credits")
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var debitResp paymaster.DebitResponse
	if err := json.NewDecoder(resp.Body).Decode(&debitResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &debitResp, nil
}

// ReconcilePayment forces an immediate provider re-check for a payment
func (c *Client) ReconcilePayment(ctx context.Context, paymentID string) (*paymaster.ReconcileResponse, error) {
	httpReq, err := c.newRequest(ctx, "POST", fmt.Sprintf("%s/service/payments/%s/reconcile", c.baseURL, url.PathEscape(paymentID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Paymaster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Paymaster error (%d): %s", resp.StatusCode, string(body))
	}

	var reconcileResp paymaster.ReconcileResponse
	if err := json.NewDecoder(resp.Body).Decode(&reconcileResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &reconcileResp, nil
}

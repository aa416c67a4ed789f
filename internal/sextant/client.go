package sextant

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tradeworks/paymaster/pkg/clients"
	"tradeworks/paymaster/pkg/logging"
	"tradeworks/paymaster/pkg/models"

	"github.com/go-resty/resty/v2"
)

// Client wraps the Sextant rate oracle. Sextant is the single source of
// USD-to-crypto conversion truth; a rate is fetched once at issuance and
// the resulting crypto amount is never recomputed.
type Client struct {
	http    *resty.Client
	breaker *clients.CircuitBreaker
	logger  logging.Logger
}

// Config for creating a new Sextant client
type Config struct {
	BaseURL string // SEXTANT_URL
	Timeout time.Duration
	Logger  logging.Logger
}

// RateQuote is Sextant's answer for a single currency
type RateQuote struct {
	Currency string    `json:"currency"`
	USDRate  float64   `json:"usd_rate"`
	AsOf     time.Time `json:"as_of"`
}

// NewClient creates a new Sextant client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout)

	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:          "sextant",
		Logger:        config.Logger,
		OnStateChange: clients.CircuitBreakerMetricsCallback("sextant"),
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		logger:  config.Logger,
	}
}

// Rate returns the USD price of one unit of the given currency.
// Failures surface as RateUnavailable; the caller treats that as fatal
// to the current attempt but retryable by the user.
func (c *Client) Rate(ctx context.Context, currency models.SettlementCurrency) (float64, error) {
	var quote RateQuote

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&quote).
			Get(fmt.Sprintf("/rates/%s", currency))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("sextant returned status %d: %s", resp.StatusCode(), resp.Body())
		}
		return quote, nil
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"currency": currency,
			"error":    err,
		}).Warn("Rate lookup failed")
		return 0, fmt.Errorf("%w: %v", models.ErrRateUnavailable, err)
	}

	q := result.(RateQuote)
	if q.USDRate <= 0 {
		return 0, fmt.Errorf("%w: non-positive rate %f for %s", models.ErrRateUnavailable, q.USDRate, currency)
	}

	return q.USDRate, nil
}

package billing

import (
	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/models"
)

const (
	defaultCurrencyEnv      = "SETTLEMENT_CURRENCY"
	defaultCurrencyFallback = "usdc"
)

// DefaultCurrency returns the settlement currency used when no currency is specified.
func DefaultCurrency() models.SettlementCurrency {
	return models.SettlementCurrency(config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback))
}

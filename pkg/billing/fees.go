package billing

import (
	"math"

	"tradeworks/paymaster/pkg/config"
	"tradeworks/paymaster/pkg/models"
)

// Round2 rounds a dollar amount to cents.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round8 rounds a crypto amount to 8 decimal places, the smallest unit
// any of the supported chains settles in.
func Round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// CreditRate returns how many credits one settled dollar grants.
func CreditRate() float64 {
	return config.GetEnvFloat("CREDIT_RATE", 1.0)
}

// CreditsForUSD converts a dollar amount into whole credits, rounding down
// so fractional cents never mint extra credits.
func CreditsForUSD(amountUSD float64) int64 {
	return int64(math.Floor(amountUSD * CreditRate()))
}

// ComputeFees splits a profit figure between the platform and the user.
// The platform fee is rounded to cents first and the retained amount is
// derived from it, so the two always add back up to the original profit.
func ComputeFees(totalProfit, feePercentage float64) (models.FeeBreakdown, error) {
	if math.IsNaN(totalProfit) || math.IsInf(totalProfit, 0) || totalProfit < 0 {
		return models.FeeBreakdown{}, models.ErrInvalidInput
	}
	if math.IsNaN(feePercentage) || feePercentage < 0 || feePercentage > 100 {
		return models.FeeBreakdown{}, models.ErrInvalidInput
	}

	platformFee := Round2(totalProfit * feePercentage / 100)
	userRetained := Round2(totalProfit - platformFee)

	return models.FeeBreakdown{
		TotalProfit:    totalProfit,
		FeePercentage:  feePercentage,
		PlatformFee:    platformFee,
		UserRetained:   userRetained,
		CreditsGranted: CreditsForUSD(platformFee),
	}, nil
}

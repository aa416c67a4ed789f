package billing

import (
	"errors"
	"math"
	"testing"

	"tradeworks/paymaster/pkg/models"
)

func TestComputeFees(t *testing.T) {
	breakdown, err := ComputeFees(2847.50, 25)
	if err != nil {
		t.Fatalf("ComputeFees: %v", err)
	}
	if breakdown.PlatformFee != 711.88 {
		t.Errorf("expected platform fee 711.88, got %v", breakdown.PlatformFee)
	}
	if breakdown.UserRetained != 2135.62 {
		t.Errorf("expected user retained 2135.62, got %v", breakdown.UserRetained)
	}
	if breakdown.CreditsGranted != 711 {
		t.Errorf("expected 711 credits, got %d", breakdown.CreditsGranted)
	}
}

func TestComputeFees_SplitsAddUp(t *testing.T) {
	cases := []struct {
		profit float64
		pct    float64
	}{
		{100, 20},
		{0.01, 50},
		{999999.99, 33.33},
		{2847.50, 25},
		{10, 0},
		{10, 100},
	}
	for _, tc := range cases {
		breakdown, err := ComputeFees(tc.profit, tc.pct)
		if err != nil {
			t.Fatalf("ComputeFees(%v, %v): %v", tc.profit, tc.pct, err)
		}
		if diff := math.Abs(breakdown.PlatformFee + breakdown.UserRetained - tc.profit); diff > 0.005 {
			t.Errorf("fee %v + retained %v diverges from profit %v by %v",
				breakdown.PlatformFee, breakdown.UserRetained, tc.profit, diff)
		}
	}
}

func TestComputeFees_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		profit float64
		pct    float64
	}{
		{"negative profit", -1, 25},
		{"percentage above 100", 100, 101},
		{"negative percentage", 100, -5},
		{"NaN profit", math.NaN(), 25},
		{"infinite profit", math.Inf(1), 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ComputeFees(tc.profit, tc.pct); !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("expected invalid input error, got %v", err)
			}
		})
	}
}

func TestComputeFees_ZeroProfit(t *testing.T) {
	breakdown, err := ComputeFees(0, 25)
	if err != nil {
		t.Fatalf("ComputeFees: %v", err)
	}
	if breakdown.PlatformFee != 0 || breakdown.UserRetained != 0 || breakdown.CreditsGranted != 0 {
		t.Fatalf("expected zero breakdown, got %+v", breakdown)
	}
}

func TestCreditsForUSD(t *testing.T) {
	t.Setenv("CREDIT_RATE", "1.0")
	if got := CreditsForUSD(711.88); got != 711 {
		t.Errorf("expected 711, got %d", got)
	}
	if got := CreditsForUSD(10); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}

	t.Setenv("CREDIT_RATE", "2.5")
	if got := CreditsForUSD(10); got != 25 {
		t.Errorf("expected 25 at rate 2.5, got %d", got)
	}
}

func TestRounding(t *testing.T) {
	if got := Round2(711.875); got != 711.88 {
		t.Errorf("Round2(711.875) = %v", got)
	}
	if got := Round8(0.123456789); got != 0.12345679 {
		t.Errorf("Round8(0.123456789) = %v", got)
	}
}

func TestDefaultCurrency(t *testing.T) {
	t.Setenv("SETTLEMENT_CURRENCY", "")
	if got := DefaultCurrency(); got != models.CurrencyUSDC {
		t.Errorf("expected usdc default, got %s", got)
	}
	t.Setenv("SETTLEMENT_CURRENCY", "eth")
	if got := DefaultCurrency(); got != models.CurrencyETH {
		t.Errorf("expected eth, got %s", got)
	}
}

package matching

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the thresholds the rules compare against. It is passed into
// every evaluation so callers can tune it per environment or per test.
type Config struct {
	// QuantityTolerancePercent is the allowed gap between invoiced and
	// delivered (or ordered) quantities before a line is escalated.
	QuantityTolerancePercent decimal.Decimal `json:"quantityTolerancePercent"`
	// PriceWarningPercent is the largest absolute unit price variance still MATCHED.
	PriceWarningPercent decimal.Decimal `json:"priceWarningPercent"`
	// PriceCriticalPercent is the largest absolute unit price variance still WARNING.
	PriceCriticalPercent decimal.Decimal `json:"priceCriticalPercent"`
	// TimingWindowDays is how long after delivery an invoice may be issued.
	TimingWindowDays int `json:"timingWindowDays"`
}

func DefaultConfig() Config {
	return Config{
		QuantityTolerancePercent: decimal.NewFromInt(5),
		PriceWarningPercent:      decimal.NewFromInt(2),
		PriceCriticalPercent:     decimal.NewFromInt(10),
		TimingWindowDays:         45,
	}
}

func (c Config) Validate() error {
	if c.QuantityTolerancePercent.IsNegative() {
		return fmt.Errorf("quantity tolerance percent must not be negative, got %s", c.QuantityTolerancePercent)
	}
	if c.PriceWarningPercent.IsNegative() {
		return fmt.Errorf("price warning percent must not be negative, got %s", c.PriceWarningPercent)
	}
	if c.PriceCriticalPercent.LessThan(c.PriceWarningPercent) {
		return fmt.Errorf("price critical percent (%s) must not be below price warning percent (%s)",
			c.PriceCriticalPercent, c.PriceWarningPercent)
	}
	if c.TimingWindowDays < 0 {
		return fmt.Errorf("timing window days must not be negative, got %d", c.TimingWindowDays)
	}
	return nil
}

func (c Config) quantityTolerance() decimal.Decimal {
	return c.QuantityTolerancePercent.Div(hundred)
}

var hundred = decimal.NewFromInt(100)

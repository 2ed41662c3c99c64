package config

import (
	"errors"
	"os"
	"strings"

	"github.com/mmdatafocus/mrms_backend/matching"
	"github.com/shopspring/decimal"
)

// GetMatchingConfig builds the engine thresholds from env, starting from the defaults:
//
// - MATCH_QUANTITY_TOLERANCE_PERCENT (default 5)
// - MATCH_PRICE_WARNING_PERCENT (default 2)
// - MATCH_PRICE_CRITICAL_PERCENT (default 10)
// - MATCH_TIMING_WINDOW_DAYS (default 45)
//
// A value that does not parse, or a combination that fails validation, falls back to the defaults.
func GetMatchingConfig() matching.Config {
	cfg := matching.DefaultConfig()
	cfg.QuantityTolerancePercent = decimalFromEnv("MATCH_QUANTITY_TOLERANCE_PERCENT", cfg.QuantityTolerancePercent)
	cfg.PriceWarningPercent = decimalFromEnv("MATCH_PRICE_WARNING_PERCENT", cfg.PriceWarningPercent)
	cfg.PriceCriticalPercent = decimalFromEnv("MATCH_PRICE_CRITICAL_PERCENT", cfg.PriceCriticalPercent)
	cfg.TimingWindowDays = intFromEnv("MATCH_TIMING_WINDOW_DAYS", cfg.TimingWindowDays)

	if err := cfg.Validate(); err != nil {
		LogError(GetLogger(), "config", "GetMatchingConfig", "invalid matching thresholds, using defaults", cfg, err)
		return matching.DefaultConfig()
	}
	return cfg
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		LogError(GetLogger(), "config", "decimalFromEnv", key, v, errors.New("not a decimal"))
		return def
	}
	return d
}

package config

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/mrms_backend/appctx"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

func TestGetMatchingConfigDefaults(t *testing.T) {
	cfg := GetMatchingConfig()
	if !cfg.QuantityTolerancePercent.Equal(decimal.NewFromInt(5)) ||
		!cfg.PriceWarningPercent.Equal(decimal.NewFromInt(2)) ||
		!cfg.PriceCriticalPercent.Equal(decimal.NewFromInt(10)) ||
		cfg.TimingWindowDays != 45 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestGetMatchingConfigFromEnv(t *testing.T) {
	t.Setenv("MATCH_QUANTITY_TOLERANCE_PERCENT", "2.5")
	t.Setenv("MATCH_PRICE_WARNING_PERCENT", "1")
	t.Setenv("MATCH_PRICE_CRITICAL_PERCENT", "7")
	t.Setenv("MATCH_TIMING_WINDOW_DAYS", "30")

	cfg := GetMatchingConfig()
	if !cfg.QuantityTolerancePercent.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("quantity tolerance = %s", cfg.QuantityTolerancePercent)
	}
	if !cfg.PriceWarningPercent.Equal(decimal.NewFromInt(1)) || !cfg.PriceCriticalPercent.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("price thresholds = %s/%s", cfg.PriceWarningPercent, cfg.PriceCriticalPercent)
	}
	if cfg.TimingWindowDays != 30 {
		t.Fatalf("timing window = %d", cfg.TimingWindowDays)
	}
}

func TestGetMatchingConfigFallsBack(t *testing.T) {
	t.Run("unparsable value keeps that default", func(t *testing.T) {
		t.Setenv("MATCH_QUANTITY_TOLERANCE_PERCENT", "five")
		t.Setenv("MATCH_TIMING_WINDOW_DAYS", "60")
		cfg := GetMatchingConfig()
		if !cfg.QuantityTolerancePercent.Equal(decimal.NewFromInt(5)) || cfg.TimingWindowDays != 60 {
			t.Fatalf("got %+v", cfg)
		}
	})
	t.Run("critical below warning resets everything", func(t *testing.T) {
		t.Setenv("MATCH_PRICE_WARNING_PERCENT", "8")
		t.Setenv("MATCH_PRICE_CRITICAL_PERCENT", "3")
		t.Setenv("MATCH_TIMING_WINDOW_DAYS", "10")
		cfg := GetMatchingConfig()
		if !cfg.PriceWarningPercent.Equal(decimal.NewFromInt(2)) || cfg.TimingWindowDays != 45 {
			t.Fatalf("got %+v", cfg)
		}
	})
}

func TestFeatureFlags(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " y "} {
		t.Setenv("AUTO_REMATCH_ON_DELIVERY", v)
		if !AutoRematchOnDelivery() {
			t.Fatalf("AUTO_REMATCH_ON_DELIVERY=%q should enable", v)
		}
	}
	t.Setenv("AUTO_REMATCH_ON_DELIVERY", "off")
	if AutoRematchOnDelivery() {
		t.Fatal("off should disable")
	}
	if OutboxDirectProcessing() || PubSubPullWorker() || MatchSummaryCacheEnabled() {
		t.Fatal("flags should default to off")
	}
}

func TestRateLimit(t *testing.T) {
	enabled, limit, window := RateLimit()
	if enabled || limit != 600 || window != time.Minute {
		t.Fatalf("defaults = %v %d %s", enabled, limit, window)
	}

	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "0")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "10")
	enabled, limit, window = RateLimit()
	if !enabled || limit != 600 || window != 10*time.Second {
		t.Fatalf("got %v %d %s", enabled, limit, window)
	}
}

func TestDSN(t *testing.T) {
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p")
	t.Setenv("DB_NAME", "mrms")
	t.Setenv("DB_HOST", "10.0.0.3")
	t.Setenv("DB_PORT", "3306")
	if got, want := DSN(), "u:p@tcp(10.0.0.3:3306)/mrms?multiStatements=true&parseTime=true&loc=UTC"; got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}

	t.Setenv("DB_HOST", "/cloudsql/proj:region:db")
	if got, want := DSN(), "u:p@unix(/cloudsql/proj:region:db)/mrms?multiStatements=true&parseTime=true&loc=UTC"; got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	if backoff(1) != 2*time.Second {
		t.Fatalf("backoff(1) = %s", backoff(1))
	}
	if backoff(10) != 30*time.Second {
		t.Fatalf("backoff(10) = %s", backoff(10))
	}
}

func TestOrderingKeyIsPerPurchaseOrder(t *testing.T) {
	a := PubSubMessage{BusinessId: "biz", PurchaseOrderId: 3, ReferenceType: "DLV"}
	b := PubSubMessage{BusinessId: "biz", PurchaseOrderId: 3, ReferenceType: "INV"}
	if a.OrderingKey() != b.OrderingKey() || a.OrderingKey() != "biz:3" {
		t.Fatalf("ordering keys %q %q", a.OrderingKey(), b.OrderingKey())
	}
}

func TestWhereHasBusinessID(t *testing.T) {
	scoped := clause.Clause{Expression: clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "id"}, Value: 1},
		clause.Eq{Column: clause.Column{Name: "business_id"}, Value: "biz"},
	}}}
	if !whereHasBusinessID(scoped) {
		t.Fatal("eq on business_id should count")
	}

	raw := clause.Clause{Expression: clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: "business_id = ? AND purchase_order_id = ?"},
	}}}
	if !whereHasBusinessID(raw) {
		t.Fatal("raw expression mentioning business_id should count")
	}

	unscoped := clause.Clause{Expression: clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: "purchase_order_id", Value: 1},
	}}}
	if whereHasBusinessID(unscoped) || whereHasBusinessID(clause.Clause{}) {
		t.Fatal("no business_id condition present")
	}
}

func TestShouldBypassTenantScope(t *testing.T) {
	ctx := context.Background()
	if shouldBypassTenantScope(ctx) {
		t.Fatal("plain context must stay scoped")
	}
	if !shouldBypassTenantScope(context.WithValue(ctx, appctx.ContextKeySkipTenantScope, true)) {
		t.Fatal("skip flag should bypass")
	}
	if !shouldBypassTenantScope(context.WithValue(ctx, appctx.ContextKeyIsAdmin, true)) {
		t.Fatal("admin flag should bypass")
	}
	if got := businessIdFromContext(context.WithValue(ctx, appctx.ContextKeyBusinessId, "biz")); got != "biz" {
		t.Fatalf("businessIdFromContext = %q", got)
	}
}

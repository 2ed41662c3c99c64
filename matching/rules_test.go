package matching

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEvaluateQuantity(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		name                         string
		ordered, delivered, invoiced string
		expected                     Status
		contains                     string
	}{
		{"exact", "100", "100", "100", StatusMatched, "matches"},
		{"partial delivery invoiced in full", "100", "60", "60", StatusWarning, "Partial delivery"},
		{"invoiced over delivered", "100", "60", "80", StatusCritical, "Invoiced quantity exceeds delivered quantity"},
		{"invoiced over delivered by one", "100", "100", "101", StatusCritical, "exceeds delivered"},
		{"nothing ordered", "0", "0", "10", StatusCritical, "no ordered quantity"},
		{"nothing delivered", "100", "0", "10", StatusCritical, "nothing was delivered"},
		{"over delivery within tolerance", "100", "104", "104", StatusWarning, "within tolerance"},
		{"over delivery beyond tolerance", "100", "110", "110", StatusCritical, "beyond tolerance"},
		{"under invoiced within tolerance", "100", "100", "96", StatusWarning, "within tolerance"},
		{"under invoiced", "100", "100", "50", StatusWarning, "below delivered"},
		{"all zero", "0", "0", "0", StatusMatched, ""},
	}
	for _, tc := range cases {
		got := EvaluateQuantity(cfg, d(tc.ordered), d(tc.delivered), d(tc.invoiced))
		if got.Status != tc.expected {
			t.Fatalf("%s: expected %s, got %s (%s)", tc.name, tc.expected, got.Status, got.Message)
		}
		if tc.contains != "" && !strings.Contains(got.Message, tc.contains) {
			t.Fatalf("%s: expected message to contain %q, got %q", tc.name, tc.contains, got.Message)
		}
		for _, q := range []string{tc.ordered, tc.delivered, tc.invoiced} {
			if !strings.Contains(got.Message, q) {
				t.Fatalf("%s: expected message to state quantity %s, got %q", tc.name, q, got.Message)
			}
		}
	}
}

func TestEvaluateQuantity_InvoicedAboveDeliveredIsAlwaysCritical(t *testing.T) {
	cfg := DefaultConfig()
	for _, delivered := range []string{"1", "50", "99.5", "100", "104"} {
		invoiced := d(delivered).Add(d("0.01"))
		got := EvaluateQuantity(cfg, d("100"), d(delivered), invoiced)
		if got.Status != StatusCritical {
			t.Fatalf("delivered %s invoiced %s: expected CRITICAL, got %s", delivered, invoiced, got.Status)
		}
	}
}

func TestEvaluatePrice(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		po, inv  string
		expected Status
		variance string
	}{
		{"10", "10", StatusMatched, "0"},
		{"10", "10.2", StatusMatched, "2"},
		{"10", "9.8", StatusMatched, "-2"},
		{"10", "10.21", StatusWarning, "2.1"},
		{"10", "11", StatusWarning, "10"},
		{"10", "9", StatusWarning, "-10"},
		{"10", "11.01", StatusCritical, "10.1"},
		{"10", "12", StatusCritical, "20"},
		{"10", "8", StatusCritical, "-20"},
		{"3", "3.1", StatusWarning, "3.33"},
	}
	for _, tc := range cases {
		got := EvaluatePrice(cfg, d(tc.po), d(tc.inv))
		if got.Status != tc.expected {
			t.Fatalf("po %s invoice %s: expected %s, got %s", tc.po, tc.inv, tc.expected, got.Status)
		}
		if got.VariancePercent == nil {
			t.Fatalf("po %s invoice %s: expected variance, got nil", tc.po, tc.inv)
		}
		if !got.VariancePercent.Equal(d(tc.variance)) {
			t.Fatalf("po %s invoice %s: expected variance %s, got %s", tc.po, tc.inv, tc.variance, got.VariancePercent)
		}
	}
}

func TestEvaluatePrice_ZeroPOPrice(t *testing.T) {
	cfg := DefaultConfig()

	got := EvaluatePrice(cfg, decimal.Zero, d("5"))
	if got.Status != StatusCritical {
		t.Fatalf("expected CRITICAL, got %s", got.Status)
	}
	if got.VariancePercent != nil {
		t.Fatalf("expected nil variance, got %s", got.VariancePercent)
	}

	got = EvaluatePrice(cfg, decimal.Zero, decimal.Zero)
	if got.Status != StatusMatched {
		t.Fatalf("expected MATCHED for zero/zero, got %s", got.Status)
	}
}

func TestEvaluatePrice_SignIsSurfaced(t *testing.T) {
	cfg := DefaultConfig()
	over := EvaluatePrice(cfg, d("10"), d("10.5"))
	if !strings.Contains(over.Message, "overcharges") {
		t.Fatalf("expected overcharge message, got %q", over.Message)
	}
	under := EvaluatePrice(cfg, d("10"), d("9.5"))
	if !strings.Contains(under.Message, "undercharges") {
		t.Fatalf("expected undercharge message, got %q", under.Message)
	}
	if !under.VariancePercent.IsNegative() {
		t.Fatalf("expected negative variance, got %s", under.VariancePercent)
	}
}

func TestEvaluateBrand(t *testing.T) {
	cases := []struct {
		ordered, delivered, invoiced string
		expected                     Status
	}{
		{"ACME", "ACME", "ACME", StatusMatched},
		{"ACME", " acme ", "Acme", StatusMatched},
		{"ACME", "", "ACME", StatusWarning},
		{"ACME", "ACME", "", StatusWarning},
		{"ACME", "", "", StatusWarning},
		{"ACME", "BOLT", "ACME", StatusCritical},
		{"ACME", "", "BOLT", StatusCritical},
		{"ACME", "BOLT", "BOLT", StatusCritical},
		{"", "BOLT", "ACME", StatusMatched},
		{"  ", "", "", StatusMatched},
	}
	for _, tc := range cases {
		got := EvaluateBrand(tc.ordered, tc.delivered, tc.invoiced)
		if got.Status != tc.expected {
			t.Fatalf("brand (%q, %q, %q): expected %s, got %s", tc.ordered, tc.delivered, tc.invoiced, tc.expected, got.Status)
		}
	}
}

func TestEvaluateTiming(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		delivery, invoice string
		expected          Status
	}{
		{"2024-01-10", "2024-01-10", StatusMatched},
		{"2024-01-10", "2024-02-24", StatusMatched},
		{"2024-01-10", "2024-02-25", StatusWarning},
		{"2024-01-10", "2024-01-09", StatusWarning},
		{"2024-01-10", "2024-01-08", StatusCritical},
		{"2024-02-05", "2024-02-01", StatusCritical},
	}
	for _, tc := range cases {
		got := EvaluateTiming(cfg, MustDate(tc.delivery), MustDate(tc.invoice), Date{})
		if got.Status != tc.expected {
			t.Fatalf("delivery %s invoice %s: expected %s, got %s (%s)", tc.delivery, tc.invoice, tc.expected, got.Status, got.Message)
		}
	}
}

func TestEvaluateTiming_MissingDates(t *testing.T) {
	cfg := DefaultConfig()
	if got := EvaluateTiming(cfg, Date{}, MustDate("2024-01-10"), Date{}); got.Status != StatusCritical {
		t.Fatalf("no delivery: expected CRITICAL, got %s", got.Status)
	}
	if got := EvaluateTiming(cfg, MustDate("2024-01-10"), Date{}, Date{}); got.Status != StatusCritical {
		t.Fatalf("no invoice date: expected CRITICAL, got %s", got.Status)
	}
}

func TestEvaluateTiming_DeliveredLateIsInformational(t *testing.T) {
	cfg := DefaultConfig()
	got := EvaluateTiming(cfg, MustDate("2024-01-10"), MustDate("2024-01-10"), MustDate("2024-01-05"))
	if !got.DeliveredLate {
		t.Fatalf("expected delivered_late to be set")
	}
	if got.Status != StatusMatched {
		t.Fatalf("expected MATCHED, got %s", got.Status)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.PriceCriticalPercent = d("1")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when critical < warning")
	}
	cfg = DefaultConfig()
	cfg.TimingWindowDays = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative window")
	}
	cfg = DefaultConfig()
	cfg.QuantityTolerancePercent = d("-5")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative tolerance")
	}
}

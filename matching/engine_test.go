package matching

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fullyMatchedInput() Input {
	dlv := AggregateDeliveries([]DeliveryLine{
		{DeliveryId: 1, DeliveryDate: MustDate("2024-01-10"), MaterialId: "M1", GoodQty: d("100"), DamagedQty: d("0"), BrandReceived: "ACME"},
	})
	return Input{
		OrderLines:     []OrderLine{{MaterialId: "M1", Quantity: d("100"), UnitPrice: d("10.00"), Brand: "ACME"}},
		DeliveredLines: dlv.Lines,
		InvoiceLines:   []InvoiceLine{{MaterialId: "M1", Quantity: d("100"), UnitPrice: d("10.00"), Brand: "ACME"}},
		OrderDate:      MustDate("2024-01-02"),
		DeliveryDate:   dlv.LastDeliveryDate,
		InvoiceDate:    MustDate("2024-01-10"),
	}
}

func mustEvaluate(t *testing.T, in Input) MatchAnalysis {
	t.Helper()
	a, err := Evaluate(DefaultConfig(), in)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	return a
}

func TestEvaluate_FullyMatched(t *testing.T) {
	a := mustEvaluate(t, fullyMatchedInput())
	if a.OverallStatus != OverallFullyMatched {
		t.Fatalf("expected %s, got %s", OverallFullyMatched, a.OverallStatus)
	}
	if a.Discrepancies != 0 {
		t.Fatalf("expected 0 discrepancies, got %d", a.Discrepancies)
	}
	if drafts := Discrepancies(a); len(drafts) != 0 {
		t.Fatalf("expected no discrepancy drafts, got %d", len(drafts))
	}
	if MatchingStatus(a.OverallStatus) != MatchingStatusFullyMatched {
		t.Fatalf("expected matching status %s, got %s", MatchingStatusFullyMatched, MatchingStatus(a.OverallStatus))
	}
}

func TestEvaluate_PriceCritical(t *testing.T) {
	in := fullyMatchedInput()
	in.InvoiceLines[0].UnitPrice = d("12.00")
	a := mustEvaluate(t, in)

	if a.PriceMatch.Status != StatusCritical {
		t.Fatalf("expected price CRITICAL, got %s", a.PriceMatch.Status)
	}
	if a.PriceMatch.VariancePercent == nil || !a.PriceMatch.VariancePercent.Equal(d("20")) {
		t.Fatalf("expected variance 20, got %v", a.PriceMatch.VariancePercent)
	}
	if a.OverallStatus != OverallMismatched {
		t.Fatalf("expected %s, got %s", OverallMismatched, a.OverallStatus)
	}
	if a.Discrepancies != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", a.Discrepancies)
	}

	drafts := Discrepancies(a)
	if len(drafts) != 1 || drafts[0].Type != DiscrepancyTypePrice || drafts[0].Severity != SeverityCritical {
		t.Fatalf("expected one critical price discrepancy, got %+v", drafts)
	}
	if !strings.HasPrefix(drafts[0].Description, "M1: ") {
		t.Fatalf("expected description prefixed with material, got %q", drafts[0].Description)
	}
}

func TestEvaluate_PartialDelivery(t *testing.T) {
	in := fullyMatchedInput()
	in.DeliveredLines[0].GoodQty = d("60")
	in.InvoiceLines[0].Quantity = d("60")
	a := mustEvaluate(t, in)

	if a.QuantityMatch.Status != StatusWarning {
		t.Fatalf("expected quantity WARNING, got %s", a.QuantityMatch.Status)
	}
	if a.OverallStatus != OverallPartialMatched {
		t.Fatalf("expected %s, got %s", OverallPartialMatched, a.OverallStatus)
	}
	if MatchingStatus(a.OverallStatus) != MatchingStatusPartialMatched {
		t.Fatalf("expected matching status %s, got %s", MatchingStatusPartialMatched, MatchingStatus(a.OverallStatus))
	}
}

func TestEvaluate_BrandMissingOnDelivery(t *testing.T) {
	in := fullyMatchedInput()
	in.DeliveredLines[0].Brand = ""
	a := mustEvaluate(t, in)
	if a.BrandMatch.Status != StatusWarning {
		t.Fatalf("expected brand WARNING, got %s", a.BrandMatch.Status)
	}
}

func TestEvaluate_BrandNormalized(t *testing.T) {
	in := fullyMatchedInput()
	in.InvoiceLines[0].Brand = " acme "
	a := mustEvaluate(t, in)
	if a.BrandMatch.Status != StatusMatched {
		t.Fatalf("expected brand MATCHED, got %s (%s)", a.BrandMatch.Status, a.BrandMatch.Message)
	}
}

func TestEvaluate_InvoiceBeforeDelivery(t *testing.T) {
	in := fullyMatchedInput()
	in.DeliveryDate = MustDate("2024-02-05")
	in.InvoiceDate = MustDate("2024-02-01")
	a := mustEvaluate(t, in)
	if a.TimingMatch.Status != StatusCritical {
		t.Fatalf("expected timing CRITICAL, got %s", a.TimingMatch.Status)
	}
	if a.OverallStatus != OverallMismatched {
		t.Fatalf("expected %s, got %s", OverallMismatched, a.OverallStatus)
	}
}

func TestEvaluate_NoDeliveries(t *testing.T) {
	in := fullyMatchedInput()
	in.DeliveredLines = nil
	in.DeliveryDate = Date{}
	a := mustEvaluate(t, in)
	if a.QuantityMatch.Status != StatusCritical {
		t.Fatalf("expected quantity CRITICAL, got %s", a.QuantityMatch.Status)
	}
	if a.TimingMatch.Status != StatusCritical {
		t.Fatalf("expected timing CRITICAL, got %s", a.TimingMatch.Status)
	}
	if a.Discrepancies != 3 {
		// quantity, brand (nothing delivered) and timing
		t.Fatalf("expected 3 discrepancies, got %d", a.Discrepancies)
	}
}

func TestEvaluate_EmptyInvoice(t *testing.T) {
	in := fullyMatchedInput()
	in.InvoiceLines = nil
	a := mustEvaluate(t, in)
	if a.QuantityMatch.Status != StatusCritical || a.PriceMatch.Status != StatusCritical || a.BrandMatch.Status != StatusCritical {
		t.Fatalf("expected quantity, price and brand CRITICAL for an empty invoice, got %v", a.Statuses())
	}
	if a.OverallStatus != OverallMismatched {
		t.Fatalf("expected %s, got %s", OverallMismatched, a.OverallStatus)
	}
}

func TestEvaluate_MaterialNotOnPurchaseOrder(t *testing.T) {
	in := fullyMatchedInput()
	in.InvoiceLines = append(in.InvoiceLines, InvoiceLine{MaterialId: "M9", Quantity: d("5"), UnitPrice: d("3")})

	a, err := Evaluate(DefaultConfig(), in)
	var incomplete *InputIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected InputIncompleteError, got %v", err)
	}
	if len(incomplete.MaterialIds) != 1 || incomplete.MaterialIds[0] != "M9" {
		t.Fatalf("expected missing material M9, got %v", incomplete.MaterialIds)
	}
	if a.QuantityMatch.Status != StatusCritical || a.PriceMatch.Status != StatusCritical || a.BrandMatch.Status != StatusCritical {
		t.Fatalf("expected critical quantity, price and brand, got %v", a.Statuses())
	}
	if !strings.HasPrefix(a.QuantityMatch.Message, "M9: ") {
		t.Fatalf("expected worst line to be M9, got %q", a.QuantityMatch.Message)
	}
	if len(a.Lines) != 2 || a.Lines[0].MaterialId != "M1" || a.Lines[1].InPurchaseOrder {
		t.Fatalf("unexpected line breakdown %+v", a.Lines)
	}
}

func TestEvaluate_MultipleMaterialsRollUpWorst(t *testing.T) {
	in := fullyMatchedInput()
	in.OrderLines = append(in.OrderLines, OrderLine{MaterialId: "M2", Quantity: d("10"), UnitPrice: d("5")})
	in.DeliveredLines = append(in.DeliveredLines, DeliveredLine{MaterialId: "M2", GoodQty: d("10")})
	in.InvoiceLines = append(in.InvoiceLines,
		InvoiceLine{MaterialId: "M2", Quantity: d("4"), UnitPrice: d("5")},
		InvoiceLine{MaterialId: "M2", Quantity: d("8"), UnitPrice: d("5")},
	)
	in.InvoiceLines[0].UnitPrice = d("10.50")

	a := mustEvaluate(t, in)
	if a.QuantityMatch.Status != StatusCritical {
		t.Fatalf("expected quantity CRITICAL (M2 invoiced 12 of 10), got %s", a.QuantityMatch.Status)
	}
	if !strings.HasPrefix(a.QuantityMatch.Message, "M2: ") {
		t.Fatalf("expected quantity message for M2, got %q", a.QuantityMatch.Message)
	}
	if a.PriceMatch.Status != StatusWarning {
		t.Fatalf("expected price WARNING from M1, got %s", a.PriceMatch.Status)
	}
	if a.Lines[1].Quantity.Invoiced.String() != "12" {
		t.Fatalf("expected M2 invoice lines summed to 12, got %s", a.Lines[1].Quantity.Invoiced)
	}
}

func TestEvaluate_WeightedInvoicePrice(t *testing.T) {
	in := fullyMatchedInput()
	in.InvoiceLines = []InvoiceLine{
		{MaterialId: "M1", Quantity: d("50"), UnitPrice: d("9"), Brand: "ACME"},
		{MaterialId: "M1", Quantity: d("50"), UnitPrice: d("11"), Brand: "ACME"},
	}
	a := mustEvaluate(t, in)
	if !a.PriceMatch.InvoicePrice.Equal(d("10")) {
		t.Fatalf("expected weighted invoice price 10, got %s", a.PriceMatch.InvoicePrice)
	}
	if a.OverallStatus != OverallFullyMatched {
		t.Fatalf("expected %s, got %s", OverallFullyMatched, a.OverallStatus)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	in := fullyMatchedInput()
	in.InvoiceLines = append(in.InvoiceLines, InvoiceLine{MaterialId: "M7", Quantity: d("1"), UnitPrice: d("1")})
	in.InvoiceLines[0].UnitPrice = d("10.7")

	first, _ := Evaluate(DefaultConfig(), in)
	second, _ := Evaluate(DefaultConfig(), in)

	a, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical output\n%s\n%s", a, b)
	}
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		statuses []Status
		expected OverallStatus
		count    int
	}{
		{[]Status{StatusMatched, StatusMatched, StatusMatched, StatusMatched}, OverallFullyMatched, 0},
		{[]Status{StatusMatched, StatusWarning, StatusMatched, StatusWarning}, OverallPartialMatched, 2},
		{[]Status{StatusWarning, StatusCritical, StatusMatched, StatusMatched}, OverallMismatched, 2},
		{[]Status{StatusCritical, StatusCritical, StatusCritical, StatusCritical}, OverallMismatched, 4},
	}
	for _, tc := range cases {
		got, count := Aggregate(tc.statuses...)
		if got != tc.expected || count != tc.count {
			t.Fatalf("Aggregate(%v) expected %s/%d, got %s/%d", tc.statuses, tc.expected, tc.count, got, count)
		}
	}
}

func TestAggregateDeliveries(t *testing.T) {
	summary := AggregateDeliveries([]DeliveryLine{
		{DeliveryId: 3, DeliveryDate: MustDate("2024-01-20"), MaterialId: "M2", GoodQty: d("5"), DamagedQty: d("1"), BrandReceived: "Bolt"},
		{DeliveryId: 1, DeliveryDate: MustDate("2024-01-10"), MaterialId: "M1", GoodQty: d("40"), DamagedQty: d("0"), BrandReceived: "ACME"},
		{DeliveryId: 2, DeliveryDate: MustDate("2024-01-15"), MaterialId: "M1", GoodQty: d("60"), DamagedQty: d("2"), BrandReceived: " acme"},
	})

	if summary.LastDeliveryDate.String() != "2024-01-20" {
		t.Fatalf("expected last delivery 2024-01-20, got %s", summary.LastDeliveryDate)
	}
	if len(summary.Lines) != 2 || summary.Lines[0].MaterialId != "M1" {
		t.Fatalf("expected lines sorted by material, got %+v", summary.Lines)
	}
	m1 := summary.Lines[0]
	if !m1.GoodQty.Equal(d("100")) || !m1.DamagedQty.Equal(d("2")) {
		t.Fatalf("expected M1 good 100 damaged 2, got %s/%s", m1.GoodQty, m1.DamagedQty)
	}
	if m1.Brand != "ACME" {
		t.Fatalf("expected merged brand ACME, got %q", m1.Brand)
	}
}

func TestMergeBrands(t *testing.T) {
	cases := []struct {
		in       []string
		expected string
	}{
		{nil, ""},
		{[]string{"", " "}, ""},
		{[]string{"ACME", "acme", "Bolt"}, "ACME / Bolt"},
		{[]string{" Bolt ", "ACME"}, "Bolt / ACME"},
	}
	for _, tc := range cases {
		if got := mergeBrands(tc.in); got != tc.expected {
			t.Fatalf("mergeBrands(%q) expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}

func TestDateJSON(t *testing.T) {
	var got struct {
		A Date `json:"a"`
		B Date `json:"b"`
		C Date `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"2024-03-01","b":"2024-03-01T23:30:00Z","c":null}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.A.String() != "2024-03-01" || got.B.String() != "2024-03-01" || !got.C.IsZero() {
		t.Fatalf("unexpected dates %s %s %s", got.A, got.B, got.C)
	}
	out, _ := json.Marshal(got)
	if string(out) != `{"a":"2024-03-01","b":"2024-03-01","c":null}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestNewDate_SameInstantAcrossZones(t *testing.T) {
	yangon := time.FixedZone("MMT", 6*3600+1800)
	local := time.Date(2024, 2, 1, 0, 0, 0, 0, yangon)
	if NewDate(local) != NewDate(local.UTC()) {
		t.Fatalf("expected one day for one instant, got %s and %s", NewDate(local), NewDate(local.UTC()))
	}
	if NewDate(local).String() != "2024-01-31" {
		t.Fatalf("expected UTC day 2024-01-31, got %s", NewDate(local))
	}

	// an invoice built from the request and the same invoice read back from
	// the database must time out the same way
	delivery := time.Date(2024, 2, 2, 0, 0, 0, 0, yangon)
	invoice := time.Date(2024, 2, 1, 0, 0, 0, 0, yangon)
	onCreate := EvaluateTiming(DefaultConfig(), NewDate(delivery.UTC()), NewDate(invoice), Date{})
	onRematch := EvaluateTiming(DefaultConfig(), NewDate(delivery.UTC()), NewDate(invoice.UTC()), Date{})
	if onCreate.Status != onRematch.Status {
		t.Fatalf("expected the same timing status, got %s and %s", onCreate.Status, onRematch.Status)
	}
}

package matching

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the outcome of a single match dimension.
type Status string

const (
	StatusMatched  Status = "MATCHED"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// OverallStatus is the invoice level rollup of the four dimensions.
type OverallStatus string

const (
	OverallFullyMatched   OverallStatus = "FULLY_MATCHED"
	OverallPartialMatched OverallStatus = "PARTIAL_MATCHED"
	OverallMismatched     OverallStatus = "MISMATCHED"
)

// Date is a calendar day. The zero value means "not recorded".
type Date struct {
	t time.Time
}

const dateLayout = "2006-01-02"

// NewDate truncates t to its UTC calendar day, so a request time with an
// offset and the same instant read back from the database give one day.
func NewDate(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	y, m, d := t.UTC().Date()
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewDate(t), nil
}

// MustDate is ParseDate for literals known to be valid.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) IsZero() bool { return d.t.IsZero() }

func (d Date) Time() time.Time { return d.t }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}

// DaysUntil returns the number of days from d to other (negative when other is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.t.Sub(d.t).Hours() / 24)
}

func (d Date) After(other Date) bool { return d.t.After(other.t) }

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		// full timestamps are accepted too
		t, terr := time.Parse(time.RFC3339, s)
		if terr != nil {
			return err
		}
		parsed = NewDate(t)
	}
	*d = parsed
	return nil
}

// OrderLine is a purchase order line item.
type OrderLine struct {
	MaterialId string          `json:"material_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	// Brand is optional. Empty means the PO places no brand constraint.
	Brand string `json:"brand,omitempty"`
}

// DeliveryLine is a raw delivery line item before aggregation.
type DeliveryLine struct {
	DeliveryId    int             `json:"delivery_id"`
	DeliveryDate  Date            `json:"delivery_date"`
	MaterialId    string          `json:"material_id"`
	GoodQty       decimal.Decimal `json:"good_qty"`
	DamagedQty    decimal.Decimal `json:"damaged_qty"`
	BrandReceived string          `json:"brand_received,omitempty"`
}

// DeliveredLine is the per-material sum of all deliveries of one PO.
type DeliveredLine struct {
	MaterialId string          `json:"material_id"`
	GoodQty    decimal.Decimal `json:"good_qty"`
	DamagedQty decimal.Decimal `json:"damaged_qty"`
	// Brand is empty when no delivery recorded a brand. Conflicting brands
	// across deliveries are joined with " / ".
	Brand string `json:"brand,omitempty"`
}

// InvoiceLine is an invoice line item.
type InvoiceLine struct {
	MaterialId string          `json:"material_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Brand      string          `json:"brand,omitempty"`
}

// Input is everything one evaluation needs. Deliveries must already be aggregated.
type Input struct {
	OrderLines     []OrderLine
	DeliveredLines []DeliveredLine
	InvoiceLines   []InvoiceLine

	OrderDate            Date
	RequiredDeliveryDate Date
	// DeliveryDate is the latest delivery of the PO, zero when nothing was delivered.
	DeliveryDate Date
	InvoiceDate  Date
}

type QuantityResult struct {
	Status    Status          `json:"status"`
	Ordered   decimal.Decimal `json:"ordered"`
	Delivered decimal.Decimal `json:"delivered"`
	Invoiced  decimal.Decimal `json:"invoiced"`
	Message   string          `json:"message"`
}

type PriceResult struct {
	Status       Status          `json:"status"`
	POPrice      decimal.Decimal `json:"po_price"`
	InvoicePrice decimal.Decimal `json:"invoice_price"`
	// VariancePercent is nil when the PO price is zero and no ratio exists.
	VariancePercent *decimal.Decimal `json:"variance_percent"`
	Message         string           `json:"message"`
}

type BrandResult struct {
	Status    Status `json:"status"`
	Ordered   string `json:"ordered"`
	Delivered string `json:"delivered"`
	Invoiced  string `json:"invoiced"`
	Message   string `json:"message"`
}

type TimingResult struct {
	Status       Status `json:"status"`
	DeliveryDate Date   `json:"delivery_date"`
	InvoiceDate  Date   `json:"invoice_date"`
	// DaysAfterDelivery is nil when either date is missing.
	DaysAfterDelivery *int `json:"days_after_delivery"`
	// DeliveredLate is informational and never changes Status.
	DeliveredLate bool   `json:"delivered_late"`
	Message       string `json:"message"`
}

// LineMatch is the per-material breakdown behind the rolled-up dimensions.
type LineMatch struct {
	MaterialId      string         `json:"material_id"`
	InPurchaseOrder bool           `json:"in_purchase_order"`
	Quantity        QuantityResult `json:"quantity"`
	Price           PriceResult    `json:"price"`
	Brand           BrandResult    `json:"brand"`
}

// MatchAnalysis is the engine output embedded on the invoice.
type MatchAnalysis struct {
	QuantityMatch    QuantityResult `json:"quantity_match"`
	PriceMatch       PriceResult    `json:"price_match"`
	BrandMatch       BrandResult    `json:"brand_match"`
	TimingMatch      TimingResult   `json:"timing_match"`
	OverallStatus    OverallStatus  `json:"overall_status"`
	Discrepancies    int            `json:"discrepancies"`
	Lines            []LineMatch    `json:"lines"`
	MissingMaterials []string       `json:"missing_materials,omitempty"`
}

// Statuses returns the four dimension statuses in a fixed order.
func (a MatchAnalysis) Statuses() []Status {
	return []Status{a.QuantityMatch.Status, a.PriceMatch.Status, a.BrandMatch.Status, a.TimingMatch.Status}
}

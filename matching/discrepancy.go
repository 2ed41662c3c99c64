package matching

// Discrepancy types.
const (
	DiscrepancyTypeQuantity = "quantity_mismatch"
	DiscrepancyTypePrice    = "price_mismatch"
	DiscrepancyTypeBrand    = "brand_mismatch"
	DiscrepancyTypeTiming   = "timing_mismatch"
	DiscrepancyTypeQuality  = "quality_issue"
)

// Discrepancy severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Invoice matching statuses.
const (
	MatchingStatusUnmatched      = "unmatched"
	MatchingStatusPartialMatched = "partial_matched"
	MatchingStatusFullyMatched   = "fully_matched"
	MatchingStatusMismatched     = "mismatched"
)

// DiscrepancyDraft is an unsaved discrepancy produced from one dimension.
type DiscrepancyDraft struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// SeverityFor maps a dimension status to a discrepancy severity.
// MATCHED has no severity and returns "".
func SeverityFor(s Status) string {
	switch s {
	case StatusCritical:
		return SeverityCritical
	case StatusWarning:
		return SeverityWarning
	default:
		return ""
	}
}

// Discrepancies emits one draft per dimension that is not MATCHED, in the
// order quantity, price, brand, timing.
func Discrepancies(a MatchAnalysis) []DiscrepancyDraft {
	dims := []struct {
		typ    string
		status Status
		msg    string
	}{
		{DiscrepancyTypeQuantity, a.QuantityMatch.Status, a.QuantityMatch.Message},
		{DiscrepancyTypePrice, a.PriceMatch.Status, a.PriceMatch.Message},
		{DiscrepancyTypeBrand, a.BrandMatch.Status, a.BrandMatch.Message},
		{DiscrepancyTypeTiming, a.TimingMatch.Status, a.TimingMatch.Message},
	}
	var drafts []DiscrepancyDraft
	for _, d := range dims {
		if d.status == StatusMatched {
			continue
		}
		drafts = append(drafts, DiscrepancyDraft{
			Type:        d.typ,
			Severity:    SeverityFor(d.status),
			Description: d.msg,
		})
	}
	return drafts
}

// MatchingStatus maps the overall status onto the invoice matching_status column.
func MatchingStatus(o OverallStatus) string {
	switch o {
	case OverallFullyMatched:
		return MatchingStatusFullyMatched
	case OverallPartialMatched:
		return MatchingStatusPartialMatched
	case OverallMismatched:
		return MatchingStatusMismatched
	default:
		return MatchingStatusUnmatched
	}
}

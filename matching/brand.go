package matching

import (
	"fmt"
	"strings"
)

func normalizeBrand(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EvaluateBrand compares the ordered, delivered and invoiced brand labels.
// Each may be empty. An empty ordered brand means the PO has no brand
// constraint and the dimension is MATCHED whatever was delivered or invoiced.
func EvaluateBrand(ordered, delivered, invoiced string) BrandResult {
	result := BrandResult{
		Ordered:   strings.TrimSpace(ordered),
		Delivered: strings.TrimSpace(delivered),
		Invoiced:  strings.TrimSpace(invoiced),
	}
	o, d, i := normalizeBrand(ordered), normalizeBrand(delivered), normalizeBrand(invoiced)

	if o == "" {
		result.Status = StatusMatched
		result.Message = "No brand specified on the purchase order"
		return result
	}

	if (d != "" && d != o) || (i != "" && i != o) || (d != "" && i != "" && d != i) {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Brand mismatch (ordered %q, delivered %q, invoiced %q)",
			result.Ordered, result.Delivered, result.Invoiced)
		return result
	}

	var missing []string
	if d == "" {
		missing = append(missing, "delivery")
	}
	if i == "" {
		missing = append(missing, "invoice")
	}
	if len(missing) > 0 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Brand not recorded on %s (ordered %q)", strings.Join(missing, " and "), result.Ordered)
		return result
	}

	result.Status = StatusMatched
	result.Message = fmt.Sprintf("Brand matches (%q)", result.Ordered)
	return result
}

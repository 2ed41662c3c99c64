package matching

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EvaluatePrice compares the PO unit price with the invoiced unit price.
// The variance keeps its sign: positive is an overcharge, negative an undercharge.
func EvaluatePrice(cfg Config, poPrice, invoicePrice decimal.Decimal) PriceResult {
	result := PriceResult{
		POPrice:      poPrice,
		InvoicePrice: invoicePrice,
	}

	if poPrice.IsZero() {
		if invoicePrice.IsPositive() {
			result.Status = StatusCritical
			result.Message = fmt.Sprintf("Purchase order unit price is zero but invoice charges %s", invoicePrice.String())
			return result
		}
		zero := decimal.Zero
		result.Status = StatusMatched
		result.VariancePercent = &zero
		result.Message = "Unit price matches purchase order (both zero)"
		return result
	}

	variance := invoicePrice.Sub(poPrice).Div(poPrice).Mul(hundred)
	rounded := variance.Round(2)
	result.VariancePercent = &rounded

	abs := variance.Abs()
	switch {
	case abs.LessThanOrEqual(cfg.PriceWarningPercent):
		result.Status = StatusMatched
	case abs.LessThanOrEqual(cfg.PriceCriticalPercent):
		result.Status = StatusWarning
	default:
		result.Status = StatusCritical
	}

	switch {
	case variance.IsZero():
		result.Message = fmt.Sprintf("Unit price matches purchase order (%s)", poPrice.String())
	case variance.IsPositive():
		result.Message = fmt.Sprintf("Invoice overcharges by %s%% (PO %s, invoice %s)",
			rounded.String(), poPrice.String(), invoicePrice.String())
	default:
		result.Message = fmt.Sprintf("Invoice undercharges by %s%% (PO %s, invoice %s)",
			rounded.Abs().String(), poPrice.String(), invoicePrice.String())
	}
	return result
}

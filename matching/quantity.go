package matching

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EvaluateQuantity compares ordered, delivered (good only) and invoiced quantities
// for one material. All three are required; zero is a valid value.
func EvaluateQuantity(cfg Config, ordered, delivered, invoiced decimal.Decimal) QuantityResult {
	result := QuantityResult{
		Ordered:   ordered,
		Delivered: delivered,
		Invoiced:  invoiced,
	}
	tolerance := cfg.quantityTolerance()
	orderedCeiling := ordered.Add(ordered.Mul(tolerance))

	var condition string
	switch {
	case invoiced.IsPositive() && ordered.IsZero():
		result.Status = StatusCritical
		condition = "Invoiced quantity has no ordered quantity"
	case invoiced.IsPositive() && delivered.IsZero():
		result.Status = StatusCritical
		condition = "Invoiced quantity but nothing was delivered"
	case invoiced.GreaterThan(delivered):
		result.Status = StatusCritical
		condition = "Invoiced quantity exceeds delivered quantity"
	case invoiced.GreaterThan(orderedCeiling):
		result.Status = StatusCritical
		condition = "Invoiced quantity exceeds ordered quantity beyond tolerance"
	case invoiced.Equal(delivered) && delivered.Equal(ordered):
		result.Status = StatusMatched
		condition = "Invoiced quantity matches delivered and ordered quantity"
	case invoiced.Equal(delivered) && delivered.LessThan(ordered):
		result.Status = StatusWarning
		condition = "Partial delivery invoiced in full"
	case invoiced.Equal(delivered):
		result.Status = StatusWarning
		condition = "Delivered quantity exceeds ordered quantity within tolerance"
	default:
		// invoiced < delivered, delivered > 0
		result.Status = StatusWarning
		shortfall := delivered.Sub(invoiced).Div(delivered)
		if shortfall.LessThanOrEqual(tolerance) {
			condition = "Invoiced quantity is within tolerance of delivered quantity"
		} else {
			condition = "Invoiced quantity is below delivered quantity"
		}
	}

	result.Message = fmt.Sprintf("%s (ordered %s, delivered %s, invoiced %s)",
		condition, ordered.String(), delivered.String(), invoiced.String())
	return result
}

package matching

import "fmt"

// sameDayGraceDays is how far an invoice may predate its delivery before
// the ordering anomaly becomes critical.
const sameDayGraceDays = 1

// EvaluateTiming checks the invoice date against the latest delivery date.
// requiredBy is optional and only feeds the DeliveredLate flag.
func EvaluateTiming(cfg Config, deliveryDate, invoiceDate, requiredBy Date) TimingResult {
	result := TimingResult{
		DeliveryDate: deliveryDate,
		InvoiceDate:  invoiceDate,
	}
	if !deliveryDate.IsZero() && !requiredBy.IsZero() {
		result.DeliveredLate = deliveryDate.After(requiredBy)
	}

	if invoiceDate.IsZero() {
		result.Status = StatusCritical
		result.Message = "Invoice date is missing"
		return result
	}
	if deliveryDate.IsZero() {
		result.Status = StatusCritical
		result.Message = "No delivery recorded before invoicing"
		return result
	}

	days := deliveryDate.DaysUntil(invoiceDate)
	result.DaysAfterDelivery = &days

	switch {
	case days >= 0 && days <= cfg.TimingWindowDays:
		result.Status = StatusMatched
		result.Message = fmt.Sprintf("Invoice issued %d day(s) after delivery", days)
	case days > cfg.TimingWindowDays:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Invoice issued %d days after delivery, beyond the %d-day window", days, cfg.TimingWindowDays)
	case -days <= sameDayGraceDays:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Invoice dated %d day(s) before delivery", -days)
	default:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Invoice dated %d days before delivery", -days)
	}
	return result
}

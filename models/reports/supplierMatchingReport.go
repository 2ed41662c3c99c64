package reports

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/shopspring/decimal"
)

// SupplierMatchingRow summarises how a supplier's invoices matched.
type SupplierMatchingRow struct {
	SupplierId                int             `json:"supplier_id"`
	SupplierName              string          `json:"supplier_name"`
	InvoiceCount              int             `json:"invoice_count"`
	FullyMatched              int             `json:"fully_matched"`
	PartialMatched            int             `json:"partial_matched"`
	Mismatched                int             `json:"mismatched"`
	Unmatched                 int             `json:"unmatched"`
	OpenCriticalDiscrepancies int             `json:"open_critical_discrepancies"`
	InvoicedAmount            decimal.Decimal `json:"invoiced_amount"`
}

func (r SupplierMatchingRow) GetCellValues() []interface{} {
	return []interface{}{
		r.SupplierName, r.InvoiceCount, r.FullyMatched, r.PartialMatched,
		r.Mismatched, r.Unmatched, r.OpenCriticalDiscrepancies, r.InvoicedAmount.StringFixed(2),
	}
}

const supplierMatchingSql = `
SELECT
    inv.supplier_id,
    suppliers.name AS supplier_name,
    COUNT(inv.id) AS invoice_count,
    SUM(CASE WHEN inv.matching_status = 'fully_matched' THEN 1 ELSE 0 END) AS fully_matched,
    SUM(CASE WHEN inv.matching_status = 'partial_matched' THEN 1 ELSE 0 END) AS partial_matched,
    SUM(CASE WHEN inv.matching_status = 'mismatched' THEN 1 ELSE 0 END) AS mismatched,
    SUM(CASE WHEN inv.matching_status = 'unmatched' THEN 1 ELSE 0 END) AS unmatched,
    COALESCE(SUM(dc.open_critical), 0) AS open_critical_discrepancies,
    SUM(inv.total_amount) AS invoiced_amount
FROM
    invoices inv
    LEFT JOIN suppliers ON suppliers.id = inv.supplier_id
    LEFT JOIN (
        SELECT invoice_id, COUNT(*) AS open_critical
        FROM discrepancies
        WHERE business_id = @businessId
            AND severity = 'critical'
            AND current_status IN ('open', 'reviewed')
        GROUP BY invoice_id
    ) dc ON dc.invoice_id = inv.id
WHERE inv.business_id = @businessId
    AND inv.invoice_date BETWEEN @fromDate AND @toDate
GROUP BY inv.supplier_id, suppliers.name
ORDER BY mismatched DESC, supplier_name
`

func GetSupplierMatchingReport(ctx context.Context, fromDate time.Time, toDate time.Time) ([]*SupplierMatchingRow, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	started := time.Now()
	var results []*SupplierMatchingRow
	err := config.GetDB().WithContext(ctx).Raw(supplierMatchingSql, map[string]interface{}{
		"businessId": businessId,
		"fromDate":   fromDate,
		"toDate":     toDate,
	}).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	logSlowReport(ctx, "supplier_matching", started, nil)
	return results, nil
}

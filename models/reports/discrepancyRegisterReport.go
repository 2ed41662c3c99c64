package reports

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
)

type DiscrepancyRegisterFilter struct {
	FromDate   time.Time                   `json:"from_date" form:"from_date" time_format:"2006-01-02" validate:"required"`
	ToDate     time.Time                   `json:"to_date" form:"to_date" time_format:"2006-01-02" validate:"required"`
	Status     *models.DiscrepancyStatus   `json:"status" form:"status"`
	Severity   *models.DiscrepancySeverity `json:"severity" form:"severity"`
	SupplierId *int                        `json:"supplier_id" form:"supplier_id"`
}

type DiscrepancyRegisterRow struct {
	DiscrepancyId   int        `json:"discrepancy_id"`
	Type            string     `json:"type"`
	Severity        string     `json:"severity"`
	CurrentStatus   string     `json:"current_status"`
	Source          string     `json:"source"`
	Description     string     `json:"description"`
	Resolution      string     `json:"resolution"`
	FlaggedAt       time.Time  `json:"flagged_at"`
	ResolvedAt      *time.Time `json:"resolved_at"`
	PurchaseOrderId int        `json:"purchase_order_id"`
	OrderNumber     string     `json:"order_number"`
	InvoiceId       *int       `json:"invoice_id"`
	InvoiceNumber   *string    `json:"invoice_number"`
	MatchingStatus  *string    `json:"matching_status"`
	DeliveryId      *int       `json:"delivery_id"`
	SupplierId      int        `json:"supplier_id"`
	SupplierName    string     `json:"supplier_name"`
}

func (r DiscrepancyRegisterRow) GetCellValues() []interface{} {
	resolvedAt := ""
	if r.ResolvedAt != nil {
		resolvedAt = r.ResolvedAt.Format(time.RFC3339)
	}
	return []interface{}{
		r.DiscrepancyId,
		r.OrderNumber,
		utils.DereferencePtr(r.InvoiceNumber, ""),
		r.SupplierName,
		r.Type,
		r.Severity,
		r.CurrentStatus,
		r.Source,
		r.Description,
		r.Resolution,
		r.FlaggedAt.Format(time.RFC3339),
		resolvedAt,
	}
}

var discrepancyRegisterHeadings = []string{
	"ID", "PO Number", "Invoice Number", "Supplier", "Type", "Severity",
	"Status", "Source", "Description", "Resolution", "Flagged At", "Resolved At",
}

const discrepancyRegisterSql = `
SELECT
    d.id AS discrepancy_id,
    d.type,
    d.severity,
    d.current_status,
    d.source,
    d.description,
    COALESCE(d.resolution, '') AS resolution,
    d.flagged_at,
    d.resolved_at,
    d.purchase_order_id,
    po.order_number,
    d.invoice_id,
    inv.invoice_number,
    inv.matching_status,
    d.delivery_id,
    po.supplier_id,
    suppliers.name AS supplier_name
FROM
    discrepancies d
    JOIN purchase_orders po ON po.id = d.purchase_order_id
    LEFT JOIN invoices inv ON inv.id = d.invoice_id
    LEFT JOIN suppliers ON suppliers.id = po.supplier_id
WHERE d.business_id = @businessId
    AND d.flagged_at BETWEEN @fromDate AND @toDate
    {{- if .status }} AND d.current_status = @status {{- end }}
    {{- if .severity }} AND d.severity = @severity {{- end }}
    {{- if .supplierId }} AND po.supplier_id = @supplierId {{- end }}
ORDER BY d.flagged_at DESC, d.id DESC
`

func (f DiscrepancyRegisterFilter) cacheKey(businessId string) string {
	var status, severity string
	if f.Status != nil {
		status = string(*f.Status)
	}
	if f.Severity != nil {
		severity = string(*f.Severity)
	}
	return fmt.Sprintf("Report:DiscrepancyRegister:%s:%s:%s:%s:%s:%d", businessId,
		f.FromDate.Format("20060102"), f.ToDate.Format("20060102"), status, severity, utils.DereferencePtr(f.SupplierId, 0))
}

// GetDiscrepancyRegister lists discrepancies flagged in the date range with
// their PO, invoice and supplier. Raw SQL is not covered by the tenant guard,
// so business_id is filtered explicitly.
func GetDiscrepancyRegister(ctx context.Context, filter DiscrepancyRegisterFilter) ([]*DiscrepancyRegisterRow, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if filter.ToDate.Before(filter.FromDate) {
		return nil, errors.New("to_date must not be before from_date")
	}
	fromDate := time.Date(filter.FromDate.Year(), filter.FromDate.Month(), filter.FromDate.Day(), 0, 0, 0, 0, time.UTC)
	toDate := time.Date(filter.ToDate.Year(), filter.ToDate.Month(), filter.ToDate.Day(), 23, 59, 59, 0, time.UTC)

	key := filter.cacheKey(businessId)
	if reportCacheEnabled() {
		var cached []*DiscrepancyRegisterRow
		if ok, err := cacheGet(ctx, key, &cached); err == nil && ok {
			return cached, nil
		}
	}

	started := time.Now()
	sql, err := utils.ExecTemplate(discrepancyRegisterSql, map[string]interface{}{
		"status":     filter.Status != nil && *filter.Status != "",
		"severity":   filter.Severity != nil && *filter.Severity != "",
		"supplierId": utils.DereferencePtr(filter.SupplierId, 0),
	})
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"businessId": businessId,
		"fromDate":   fromDate,
		"toDate":     toDate,
		"supplierId": utils.DereferencePtr(filter.SupplierId, 0),
	}
	if filter.Status != nil {
		params["status"] = string(*filter.Status)
	}
	if filter.Severity != nil {
		params["severity"] = string(*filter.Severity)
	}

	var results []*DiscrepancyRegisterRow
	if err := config.GetDB().WithContext(ctx).Raw(sql, params).Scan(&results).Error; err != nil {
		return nil, err
	}
	logSlowReport(ctx, "discrepancy_register", started, map[string]any{"rows": len(results)})

	if reportCacheEnabled() {
		if err := cacheSet(ctx, key, results, reportCacheTTL()); err != nil {
			config.LogError(config.GetLogger(), "reports", "GetDiscrepancyRegister", "cache report", key, err)
		}
	}
	return results, nil
}

type ReportExport struct {
	FileName  string `json:"file_name"`
	ObjectKey string `json:"object_key,omitempty"`
	Url       string `json:"url,omitempty"`
	Data      []byte `json:"-"`
}

// ExportDiscrepancyRegister builds the register as xlsx. With upload set the
// workbook is also stored in GCS and its access URL returned.
func ExportDiscrepancyRegister(ctx context.Context, filter DiscrepancyRegisterFilter, upload bool) (*ReportExport, error) {
	rows, err := GetDiscrepancyRegister(ctx, filter)
	if err != nil {
		return nil, err
	}
	data, err := exportExcel(rows, discrepancyRegisterHeadings...)
	if err != nil {
		return nil, err
	}
	export := &ReportExport{
		FileName: fmt.Sprintf("discrepancy_register_%s_%s.xlsx", filter.FromDate.Format("20060102"), filter.ToDate.Format("20060102")),
		Data:     data,
	}
	if !upload {
		return export, nil
	}

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	objectKey := path.Join(businessId, "reports", utils.GenerateUniqueFilename()+"_"+export.FileName)
	contentType, err := utils.DetectUploadContentType(objectKey, data)
	if err != nil {
		return nil, err
	}
	if err := utils.UploadBytesToGCS(ctx, objectKey, data, contentType); err != nil {
		return nil, err
	}
	export.ObjectKey = objectKey
	export.Url = utils.BuildObjectAccessURL(objectKey)
	return export, nil
}

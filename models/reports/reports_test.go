package reports

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestExportExcelWritesHeadingsAndRows(t *testing.T) {
	invoiceNumber := "INV-9"
	flagged := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	rows := []*DiscrepancyRegisterRow{{
		DiscrepancyId: 5,
		OrderNumber:   "PO-1",
		InvoiceNumber: &invoiceNumber,
		SupplierName:  "Acme Cement",
		Type:          "price_mismatch",
		Severity:      "critical",
		CurrentStatus: "open",
		Source:        "matching",
		Description:   "CEM-42 invoiced 15.00 vs 12.50 ordered",
		FlaggedAt:     flagged,
	}}

	data, err := exportExcel(rows, discrepancyRegisterHeadings...)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, discrepancyRegisterHeadings, got[0])
	assert.Equal(t, "5", got[1][0])
	assert.Equal(t, "INV-9", got[1][2])
	assert.Equal(t, flagged.Format(time.RFC3339), got[1][10])
}

func TestDiscrepancyRegisterRowWithoutInvoice(t *testing.T) {
	row := DiscrepancyRegisterRow{DiscrepancyId: 1, FlaggedAt: time.Now()}
	values := row.GetCellValues()
	require.Len(t, values, len(discrepancyRegisterHeadings))
	assert.Equal(t, "", values[2])
	assert.Equal(t, "", values[11])
}

func TestSupplierMatchingRowCells(t *testing.T) {
	row := SupplierMatchingRow{SupplierName: "Acme", InvoiceCount: 3, Mismatched: 1, InvoicedAmount: decimal.RequireFromString("1234.5")}
	values := row.GetCellValues()
	assert.Equal(t, "Acme", values[0])
	assert.Equal(t, "1234.50", values[7])
}

func TestDiscrepancyRegisterCacheKey(t *testing.T) {
	status := models.DiscrepancyStatusOpen
	supplier := 4
	f := DiscrepancyRegisterFilter{
		FromDate:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:     time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		Status:     &status,
		SupplierId: &supplier,
	}
	assert.Equal(t, "Report:DiscrepancyRegister:biz:20260101:20260131:open::4", f.cacheKey("biz"))
}

func TestDiscrepancyRegisterSqlTemplate(t *testing.T) {
	plain, err := utils.ExecTemplate(discrepancyRegisterSql, map[string]interface{}{})
	require.NoError(t, err)
	assert.NotContains(t, plain, "@status")
	assert.NotContains(t, plain, "@supplierId")

	filtered, err := utils.ExecTemplate(discrepancyRegisterSql, map[string]interface{}{"status": true, "supplierId": true})
	require.NoError(t, err)
	assert.Contains(t, filtered, "AND d.current_status = @status")
	assert.Contains(t, filtered, "AND po.supplier_id = @supplierId")
	assert.True(t, strings.Contains(filtered, "d.business_id = @businessId"))
}

func TestReportCacheSettings(t *testing.T) {
	assert.False(t, reportCacheEnabled())
	t.Setenv("ENABLE_REPORT_CACHE", "on")
	assert.True(t, reportCacheEnabled())

	assert.Equal(t, 120*time.Second, reportCacheTTL())
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "-5")
	assert.Equal(t, 120*time.Second, reportCacheTTL())
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "30")
	assert.Equal(t, 30*time.Second, reportCacheTTL())
}

package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mrms_backend/middlewares"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/models/reports"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type invoiceView struct {
	*models.Invoice
	SupplierName  string                `json:"supplier_name"`
	Discrepancies []*models.Discrepancy `json:"discrepancies"`
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type resolutionRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

func createInvoiceHandler(c *gin.Context) {
	var input models.NewInvoice
	if !bindJSON(c, &input) {
		return
	}
	invoice, err := models.CreateInvoice(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "createInvoiceHandler", err)
		return
	}
	respondData(c, http.StatusCreated, invoice)
}

func updateInvoiceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.NewInvoice
	if !bindJSON(c, &input) {
		return
	}
	invoice, err := models.UpdateInvoice(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "updateInvoiceHandler", err)
		return
	}
	respondData(c, http.StatusOK, invoice)
}

func getInvoiceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	invoice, err := models.GetInvoice(ctx, id)
	if err != nil {
		respondError(c, "getInvoiceHandler", err)
		return
	}
	discrepancies, err := middlewares.GetInvoiceDiscrepancies(ctx, invoice.ID)()
	if err != nil {
		respondError(c, "getInvoiceHandler", err)
		return
	}
	view := invoiceView{Invoice: invoice, Discrepancies: discrepancies}
	if supplier, err := middlewares.GetSupplier(ctx, invoice.SupplierId); err == nil {
		view.SupplierName = supplier.Name
	}
	respondData(c, http.StatusOK, view)
}

// listPurchaseOrderInvoicesHandler queues every invoice on the loaders
// before resolving, so suppliers and discrepancies load in one batch each.
func listPurchaseOrderInvoicesHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	invoices, err := models.GetInvoicesByPurchaseOrder(ctx, id)
	if err != nil {
		respondError(c, "listPurchaseOrderInvoicesHandler", err)
		return
	}

	supplierIds := make([]int, 0, len(invoices))
	thunks := make([]func() ([]*models.Discrepancy, error), 0, len(invoices))
	for _, invoice := range invoices {
		supplierIds = append(supplierIds, invoice.SupplierId)
		thunks = append(thunks, middlewares.GetInvoiceDiscrepancies(ctx, invoice.ID))
	}
	suppliers, _ := middlewares.GetSuppliers(ctx, supplierIds)

	views := make([]invoiceView, 0, len(invoices))
	for i, invoice := range invoices {
		discrepancies, err := thunks[i]()
		if err != nil {
			respondError(c, "listPurchaseOrderInvoicesHandler", err)
			return
		}
		view := invoiceView{Invoice: invoice, Discrepancies: discrepancies}
		if i < len(suppliers) && suppliers[i] != nil {
			view.SupplierName = suppliers[i].Name
		}
		views = append(views, view)
	}
	respondData(c, http.StatusOK, views)
}

func invoiceMatchSummaryHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	summary, err := models.GetInvoiceMatchSummary(c.Request.Context(), id)
	if err != nil {
		respondError(c, "invoiceMatchSummaryHandler", err)
		return
	}
	respondData(c, http.StatusOK, summary)
}

func rematchInvoiceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	invoice, err := models.RematchInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, "rematchInvoiceHandler", err)
		return
	}
	respondData(c, http.StatusOK, invoice)
}

// approveInvoiceHandler answers 409 with the freshly matched invoice when
// blocking discrepancies remain, so the client can show why.
func approveInvoiceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	invoice, err := models.ApproveInvoice(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrInvoiceApprovalBlocked) && invoice != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "data": invoice})
			return
		}
		respondError(c, "approveInvoiceHandler", err)
		return
	}
	respondData(c, http.StatusOK, invoice)
}

func rejectInvoiceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	invoice, err := models.RejectInvoice(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, "rejectInvoiceHandler", err)
		return
	}
	respondData(c, http.StatusOK, invoice)
}

// discrepancies

func listInvoiceDiscrepanciesHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	discrepancies, err := models.GetDiscrepanciesByInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, "listInvoiceDiscrepanciesHandler", err)
		return
	}
	respondData(c, http.StatusOK, discrepancies)
}

func listPurchaseOrderDiscrepanciesHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var status *models.DiscrepancyStatus
	if s := optionalQuery(c, "status"); s != nil {
		st := models.DiscrepancyStatus(*s)
		status = &st
	}
	discrepancies, err := models.GetDiscrepanciesByPurchaseOrder(c.Request.Context(), id, status)
	if err != nil {
		respondError(c, "listPurchaseOrderDiscrepanciesHandler", err)
		return
	}
	respondData(c, http.StatusOK, discrepancies)
}

func getDiscrepancyHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	discrepancy, err := models.GetDiscrepancy(c.Request.Context(), id)
	if err != nil {
		respondError(c, "getDiscrepancyHandler", err)
		return
	}
	respondData(c, http.StatusOK, discrepancy)
}

func flagQualityIssueHandler(c *gin.Context) {
	var input models.NewQualityIssue
	if !bindJSON(c, &input) {
		return
	}
	discrepancy, err := models.FlagQualityIssue(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "flagQualityIssueHandler", err)
		return
	}
	respondData(c, http.StatusCreated, discrepancy)
}

func reviewDiscrepancyHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req noteRequest
	if !bindJSON(c, &req) {
		return
	}
	discrepancy, err := models.ReviewDiscrepancy(c.Request.Context(), id, req.Note)
	if err != nil {
		respondError(c, "reviewDiscrepancyHandler", err)
		return
	}
	respondData(c, http.StatusOK, discrepancy)
}

func resolveDiscrepancyHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req resolutionRequest
	if !bindJSON(c, &req) {
		return
	}
	discrepancy, err := models.ResolveDiscrepancy(c.Request.Context(), id, req.Resolution)
	if err != nil {
		respondError(c, "resolveDiscrepancyHandler", err)
		return
	}
	respondData(c, http.StatusOK, discrepancy)
}

func waiveDiscrepancyHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req resolutionRequest
	if !bindJSON(c, &req) {
		return
	}
	discrepancy, err := models.WaiveDiscrepancy(c.Request.Context(), id, req.Resolution)
	if err != nil {
		respondError(c, "waiveDiscrepancyHandler", err)
		return
	}
	respondData(c, http.StatusOK, discrepancy)
}

// reports

func discrepancyRegisterHandler(c *gin.Context) {
	var filter reports.DiscrepancyRegisterFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	rows, err := reports.GetDiscrepancyRegister(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "discrepancyRegisterHandler", err)
		return
	}
	respondData(c, http.StatusOK, rows)
}

// exportDiscrepancyRegisterHandler streams the workbook, or with ?upload=true
// stores it in the bucket and returns where it went.
func exportDiscrepancyRegisterHandler(c *gin.Context) {
	var filter reports.DiscrepancyRegisterFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	upload := c.Query("upload") == "true"
	export, err := reports.ExportDiscrepancyRegister(c.Request.Context(), filter, upload)
	if err != nil {
		respondError(c, "exportDiscrepancyRegisterHandler", err)
		return
	}
	if upload {
		respondData(c, http.StatusOK, gin.H{"file_name": export.FileName, "object_key": export.ObjectKey, "url": export.Url})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	c.Data(http.StatusOK, xlsxContentType, export.Data)
}

func supplierMatchingReportHandler(c *gin.Context) {
	fromDate, err := time.Parse("2006-01-02", c.Query("from_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from_date"})
		return
	}
	toDate, err := time.Parse("2006-01-02", c.Query("to_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to_date"})
		return
	}
	rows, err := reports.GetSupplierMatchingReport(c.Request.Context(), fromDate, toDate)
	if err != nil {
		respondError(c, "supplierMatchingReportHandler", err)
		return
	}
	respondData(c, http.StatusOK, rows)
}

package main

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/matching"
	"github.com/mmdatafocus/mrms_backend/middlewares"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"gorm.io/gorm"
)

// statusForError maps model errors to HTTP statuses. Errors the models
// return for broken business rules are the caller's fault (400); errors
// coming from MySQL, the network or a cancelled context are ours (500).
func statusForError(err error) int {
	var validationErrors validator.ValidationErrors
	var incomplete *matching.InputIncompleteError
	var mysqlErr *mysqlDriver.MySQLError
	var netErr net.Error
	switch {
	case errors.As(err, &validationErrors):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvoiceApprovalBlocked),
		errors.Is(err, models.ErrInvalidStatusTransition),
		errors.Is(err, redislock.ErrNotObtained):
		return http.StatusConflict
	case errors.Is(err, models.ErrDeliveryExceedsOrdered), errors.As(err, &incomplete):
		return http.StatusBadRequest
	case errors.As(err, &mysqlErr):
		if utils.IsDuplicateKeyErr(err) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	case errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func respondError(c *gin.Context, funcName string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "server", funcName, c.Request.URL.Path, nil, err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(status, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func respondData(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"data": data})
}

// idParam reads a positive integer path parameter, answering 400 when it is not one.
func idParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func optionalQuery(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok && v != "" {
		return &v
	}
	return nil
}

// auth

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	info, err := models.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, "loginHandler", err)
		return
	}
	respondData(c, http.StatusOK, info)
}

func logoutHandler(c *gin.Context) {
	if err := models.Logout(c.Request.Context()); err != nil {
		respondError(c, "logoutHandler", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// suppliers

func createSupplierHandler(c *gin.Context) {
	var input models.NewSupplier
	if !bindJSON(c, &input) {
		return
	}
	supplier, err := models.CreateSupplier(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "createSupplierHandler", err)
		return
	}
	respondData(c, http.StatusCreated, supplier)
}

func updateSupplierHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.NewSupplier
	if !bindJSON(c, &input) {
		return
	}
	supplier, err := models.UpdateSupplier(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "updateSupplierHandler", err)
		return
	}
	respondData(c, http.StatusOK, supplier)
}

func getSupplierHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	supplier, err := models.GetSupplier(c.Request.Context(), id)
	if err != nil {
		respondError(c, "getSupplierHandler", err)
		return
	}
	respondData(c, http.StatusOK, supplier)
}

func listSuppliersHandler(c *gin.Context) {
	suppliers, err := models.GetSuppliers(c.Request.Context(), optionalQuery(c, "name"))
	if err != nil {
		respondError(c, "listSuppliersHandler", err)
		return
	}
	respondData(c, http.StatusOK, suppliers)
}

// purchase orders

type purchaseOrderView struct {
	*models.PurchaseOrder
	SupplierName string `json:"supplier_name"`
}

type purchaseOrderStatusRequest struct {
	Status models.PurchaseOrderStatus `json:"status" binding:"required"`
}

func createPurchaseOrderHandler(c *gin.Context) {
	var input models.NewPurchaseOrder
	if !bindJSON(c, &input) {
		return
	}
	po, err := models.CreatePurchaseOrder(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "createPurchaseOrderHandler", err)
		return
	}
	respondData(c, http.StatusCreated, po)
}

func updatePurchaseOrderHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.NewPurchaseOrder
	if !bindJSON(c, &input) {
		return
	}
	po, err := models.UpdatePurchaseOrder(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "updatePurchaseOrderHandler", err)
		return
	}
	respondData(c, http.StatusOK, po)
}

func getPurchaseOrderHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	po, err := models.GetPurchaseOrder(ctx, id)
	if err != nil {
		respondError(c, "getPurchaseOrderHandler", err)
		return
	}
	view := purchaseOrderView{PurchaseOrder: po}
	if supplier, err := middlewares.GetSupplier(ctx, po.SupplierId); err == nil {
		view.SupplierName = supplier.Name
	}
	respondData(c, http.StatusOK, view)
}

func listPurchaseOrdersHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var status *models.PurchaseOrderStatus
	if s := optionalQuery(c, "status"); s != nil {
		st := models.PurchaseOrderStatus(*s)
		status = &st
	}
	orders, err := models.GetPurchaseOrders(ctx, optionalQuery(c, "order_number"), status)
	if err != nil {
		respondError(c, "listPurchaseOrdersHandler", err)
		return
	}

	supplierIds := make([]int, 0, len(orders))
	for _, po := range orders {
		supplierIds = append(supplierIds, po.SupplierId)
	}
	suppliers, _ := middlewares.GetSuppliers(ctx, supplierIds)

	views := make([]purchaseOrderView, 0, len(orders))
	for i, po := range orders {
		view := purchaseOrderView{PurchaseOrder: po}
		if i < len(suppliers) && suppliers[i] != nil {
			view.SupplierName = suppliers[i].Name
		}
		views = append(views, view)
	}
	respondData(c, http.StatusOK, views)
}

func updatePurchaseOrderStatusHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req purchaseOrderStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	po, err := models.UpdateStatusPurchaseOrder(c.Request.Context(), id, req.Status)
	if err != nil {
		respondError(c, "updatePurchaseOrderStatusHandler", err)
		return
	}
	respondData(c, http.StatusOK, po)
}

func rematchPurchaseOrderHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	matched, err := models.RematchInvoicesForPurchaseOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, "rematchPurchaseOrderHandler", err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"matched_invoices": matched})
}

// deliveries

func createDeliveryHandler(c *gin.Context) {
	var input models.NewDelivery
	if !bindJSON(c, &input) {
		return
	}
	delivery, err := models.CreateDelivery(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "createDeliveryHandler", err)
		return
	}
	respondData(c, http.StatusCreated, delivery)
}

func updateDeliveryHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.NewDelivery
	if !bindJSON(c, &input) {
		return
	}
	delivery, err := models.UpdateDelivery(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "updateDeliveryHandler", err)
		return
	}
	respondData(c, http.StatusOK, delivery)
}

func getDeliveryHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	delivery, err := models.GetDelivery(c.Request.Context(), id)
	if err != nil {
		respondError(c, "getDeliveryHandler", err)
		return
	}
	respondData(c, http.StatusOK, delivery)
}

func listPurchaseOrderDeliveriesHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	deliveries, err := models.GetDeliveriesByPurchaseOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, "listPurchaseOrderDeliveriesHandler", err)
		return
	}
	respondData(c, http.StatusOK, deliveries)
}

// history

func listHistoriesHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	histories, err := models.ListHistories(c.Request.Context(), c.Param("type"), id)
	if err != nil {
		respondError(c, "listHistoriesHandler", err)
		return
	}
	respondData(c, http.StatusOK, histories)
}

// outbox ops

func outboxStatusHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	refType, err := models.ParseOutboxReferenceType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := models.GetOutboxStatus(c.Request.Context(), refType, id)
	if err != nil {
		respondError(c, "outboxStatusHandler", err)
		return
	}
	respondData(c, http.StatusOK, status)
}

func outboxReprocessHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if role, _ := utils.GetUserRoleFromContext(ctx); role != string(models.UserRoleAdmin) {
		respondError(c, "outboxReprocessHandler", models.ErrNotAllowed)
		return
	}
	refType, err := models.ParseOutboxReferenceType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := models.ReprocessOutbox(ctx, refType, id)
	if err != nil {
		respondError(c, "outboxReprocessHandler", err)
		return
	}
	respondData(c, http.StatusOK, status)
}

package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/matching"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PurchaseOrder struct {
	ID                   int                   `gorm:"primary_key" json:"id"`
	BusinessId           string                `gorm:"index;not null;uniqueIndex:uniq_po_number,priority:1" json:"business_id"`
	SupplierId           int                   `gorm:"index;not null" json:"supplier_id"`
	ProjectCode          string                `gorm:"size:100;index" json:"project_code"`
	OrderNumber          string                `gorm:"size:100;not null;uniqueIndex:uniq_po_number,priority:2" json:"order_number"`
	OrderDate            time.Time             `gorm:"not null" json:"order_date"`
	RequiredDeliveryDate *time.Time            `gorm:"default:null" json:"required_delivery_date"`
	Notes                string                `gorm:"type:text;default:null" json:"notes"`
	CurrentStatus        PurchaseOrderStatus   `gorm:"type:enum('draft','sent','approved','rejected','received','cancelled');not null;default:'draft'" json:"current_status"`
	OrderTotalAmount     decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"order_total_amount"`
	Details              []PurchaseOrderDetail `json:"details"`
	CreatedAt            time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrderDetail struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	MaterialId      string          `gorm:"size:100;not null" json:"material_id"`
	Name            string          `gorm:"size:255" json:"name"`
	Brand           string          `gorm:"size:100" json:"brand"`
	DetailQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitRate  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	// sum of good_qty over every delivery of the PO
	DetailReceivedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_received_qty"`
	DetailTotalAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_total_amount"`
}

type NewPurchaseOrder struct {
	SupplierId           int                      `json:"supplier_id" validate:"required"`
	ProjectCode          string                   `json:"project_code" validate:"max=100"`
	OrderNumber          string                   `json:"order_number" validate:"required,max=100"`
	OrderDate            time.Time                `json:"order_date" validate:"required"`
	RequiredDeliveryDate *time.Time               `json:"required_delivery_date"`
	Notes                string                   `json:"notes"`
	Details              []NewPurchaseOrderDetail `json:"details" validate:"required,min=1,dive"`
}

type NewPurchaseOrderDetail struct {
	MaterialId     string          `json:"material_id" validate:"required,max=100"`
	Name           string          `json:"name"`
	Brand          string          `json:"brand" validate:"max=100"`
	DetailQty      decimal.Decimal `json:"detail_qty"`
	DetailUnitRate decimal.Decimal `json:"detail_unit_rate"`
}

var ErrInvalidStatusTransition = errors.New("invalid status transition")

func (po PurchaseOrder) GetBusinessId() string {
	return po.BusinessId
}

// OrderLines maps the PO details into engine order lines.
func (po PurchaseOrder) OrderLines() []matching.OrderLine {
	lines := make([]matching.OrderLine, 0, len(po.Details))
	for _, d := range po.Details {
		lines = append(lines, matching.OrderLine{
			MaterialId: d.MaterialId,
			Quantity:   d.DetailQty,
			UnitPrice:  d.DetailUnitRate,
			Brand:      d.Brand,
		})
	}
	return lines
}

// OrderedQty returns the ordered quantity of a material summed across PO lines.
func (po PurchaseOrder) OrderedQty(materialId string) (decimal.Decimal, bool) {
	total := decimal.Zero
	found := false
	for _, d := range po.Details {
		if d.MaterialId == materialId {
			total = total.Add(d.DetailQty)
			found = true
		}
	}
	return total, found
}

func (input *NewPurchaseOrder) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.Validate(input); err != nil {
		return err
	}
	if err := utils.ValidateResourceId[Supplier](ctx, businessId, input.SupplierId); err != nil {
		return errors.New("supplier not found")
	}
	if err := utils.ValidateUnique[PurchaseOrder](ctx, businessId, "order_number", input.OrderNumber, id); err != nil {
		return err
	}
	if input.RequiredDeliveryDate != nil && input.RequiredDeliveryDate.Before(input.OrderDate) {
		return errors.New("required delivery date must not be before order date")
	}
	for i, d := range input.Details {
		if d.DetailQty.IsNegative() {
			return fmt.Errorf("details[%d]: quantity must not be negative", i)
		}
		if d.DetailUnitRate.IsNegative() {
			return fmt.Errorf("details[%d]: unit price must not be negative", i)
		}
		input.Details[i].MaterialId = strings.TrimSpace(d.MaterialId)
	}
	return nil
}

func mapPurchaseOrderDetails(inputs []NewPurchaseOrderDetail) ([]PurchaseOrderDetail, decimal.Decimal) {
	var details []PurchaseOrderDetail
	total := decimal.Zero
	for _, item := range inputs {
		detail := PurchaseOrderDetail{
			MaterialId:        item.MaterialId,
			Name:              item.Name,
			Brand:             strings.TrimSpace(item.Brand),
			DetailQty:         item.DetailQty,
			DetailUnitRate:    item.DetailUnitRate,
			DetailTotalAmount: item.DetailQty.Mul(item.DetailUnitRate).Round(4),
		}
		total = total.Add(detail.DetailTotalAmount)
		details = append(details, detail)
	}
	return details, total
}

func CreatePurchaseOrder(ctx context.Context, input *NewPurchaseOrder) (*PurchaseOrder, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	details, total := mapPurchaseOrderDetails(input.Details)
	po := PurchaseOrder{
		BusinessId:           businessId,
		SupplierId:           input.SupplierId,
		ProjectCode:          input.ProjectCode,
		OrderNumber:          input.OrderNumber,
		OrderDate:            input.OrderDate,
		RequiredDeliveryDate: input.RequiredDeliveryDate,
		Notes:                input.Notes,
		CurrentStatus:        PurchaseOrderStatusDraft,
		OrderTotalAmount:     total,
		Details:              details,
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	if err := tx.Create(&po).Error; err != nil {
		tx.Rollback()
		if utils.IsDuplicateKeyErr(err) {
			return nil, errors.New("duplicate order_number")
		}
		return nil, err
	}
	if err := SaveHistoryCreate(tx, po.ID, "purchase_orders", &po, "Created purchase order "+po.OrderNumber); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &po, nil
}

// UpdatePurchaseOrder replaces the header and lines of a draft or rejected PO.
func UpdatePurchaseOrder(ctx context.Context, id int, input *NewPurchaseOrder) (*PurchaseOrder, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	old, err := utils.FetchModelForUpdate[PurchaseOrder](tx, businessId, id, "Details")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if old.CurrentStatus != PurchaseOrderStatusDraft && old.CurrentStatus != PurchaseOrderStatusRejected {
		tx.Rollback()
		return nil, fmt.Errorf("cannot edit purchase order in status %s", old.CurrentStatus)
	}

	details, total := mapPurchaseOrderDetails(input.Details)
	updated := *old
	updated.SupplierId = input.SupplierId
	updated.ProjectCode = input.ProjectCode
	updated.OrderNumber = input.OrderNumber
	updated.OrderDate = input.OrderDate
	updated.RequiredDeliveryDate = input.RequiredDeliveryDate
	updated.Notes = input.Notes
	updated.OrderTotalAmount = total
	updated.Details = nil

	if err := tx.Where("purchase_order_id = ?", id).Delete(&PurchaseOrderDetail{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Omit("Details").Save(&updated).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	for i := range details {
		details[i].PurchaseOrderId = id
	}
	if len(details) > 0 {
		if err := tx.Create(&details).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	updated.Details = details

	if err := SaveHistoryUpdate(tx, id, "purchase_orders", old, &updated, "Updated purchase order "+updated.OrderNumber); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[PurchaseOrder](ctx, id); err != nil {
		config.LogError(config.GetLogger(), "models", "UpdatePurchaseOrder", "remove cached purchase order", id, err)
	}
	return &updated, nil
}

func GetPurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	return GetResource[PurchaseOrder](ctx, id, "Details")
}

func GetPurchaseOrders(ctx context.Context, orderNumber *string, status *PurchaseOrderStatus) ([]*PurchaseOrder, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	dbCtx := config.GetDB().WithContext(ctx).Where("business_id = ?", businessId)
	if orderNumber != nil && len(*orderNumber) > 0 {
		dbCtx = dbCtx.Where("order_number LIKE ?", "%"+*orderNumber+"%")
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	var results []*PurchaseOrder
	if err := dbCtx.Order("order_date DESC, id DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// UpdateStatusPurchaseOrder applies a manual status change. received is reached
// through deliveries only.
func UpdateStatusPurchaseOrder(ctx context.Context, id int, status PurchaseOrderStatus) (*PurchaseOrder, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := purchaseOrderStatuses[string(status)]; !ok {
		return nil, errors.New("invalid purchase order status")
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	po, err := utils.FetchModelForUpdate[PurchaseOrder](tx, businessId, id, "Details")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	oldStatus := po.CurrentStatus
	if !oldStatus.CanTransitionTo(status) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, oldStatus, status)
	}
	if status == PurchaseOrderStatusCancelled {
		count, err := countRowsTx[Delivery](tx, "purchase_order_id = ?", id)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if count > 0 {
			tx.Rollback()
			return nil, fmt.Errorf("%w: purchase order already has deliveries", ErrInvalidStatusTransition)
		}
	}

	if err := tx.Model(po).UpdateColumn("current_status", status).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	po.CurrentStatus = status
	if err := createHistory(tx, HistoryActionUpdate, id, "purchase_orders", oldStatus, status, "Updated current status to "+string(status)); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[PurchaseOrder](ctx, id); err != nil {
		config.LogError(config.GetLogger(), "models", "UpdateStatusPurchaseOrder", "remove cached purchase order", id, err)
	}
	return po, nil
}

// refreshReceivedQty recomputes DetailReceivedQty from the PO's deliveries and
// moves an approved PO to received once every line is fully received.
// The caller holds the PO row lock.
func refreshReceivedQty(tx *gorm.DB, po *PurchaseOrder) error {
	type receivedRow struct {
		MaterialId string
		GoodQty    decimal.Decimal
	}
	var rows []receivedRow
	err := tx.Table("delivery_details").
		Select("delivery_details.material_id AS material_id, SUM(delivery_details.good_qty) AS good_qty").
		Joins("JOIN deliveries ON deliveries.id = delivery_details.delivery_id").
		Where("deliveries.purchase_order_id = ?", po.ID).
		Group("delivery_details.material_id").
		Scan(&rows).Error
	if err != nil {
		return err
	}
	received := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		received[r.MaterialId] = r.GoodQty
	}

	complete := len(po.Details) > 0
	remaining := make(map[string]decimal.Decimal, len(received))
	for k, v := range received {
		remaining[k] = v
	}
	// a material split over several lines fills them in line order
	for i := range po.Details {
		d := &po.Details[i]
		left := remaining[d.MaterialId]
		take := decimal.Min(left, d.DetailQty)
		if i == lastLineOf(po.Details, d.MaterialId) {
			take = left
		}
		remaining[d.MaterialId] = left.Sub(take)
		if !d.DetailReceivedQty.Equal(take) {
			if err := tx.Model(&PurchaseOrderDetail{}).Where("id = ?", d.ID).UpdateColumn("detail_received_qty", take).Error; err != nil {
				return err
			}
			d.DetailReceivedQty = take
		}
		if take.LessThan(d.DetailQty) {
			complete = false
		}
	}

	if complete && po.CurrentStatus == PurchaseOrderStatusApproved {
		if err := tx.Model(po).UpdateColumn("current_status", PurchaseOrderStatusReceived).Error; err != nil {
			return err
		}
		if err := createHistory(tx, HistoryActionUpdate, po.ID, "purchase_orders", po.CurrentStatus, PurchaseOrderStatusReceived, "All materials received"); err != nil {
			return err
		}
		po.CurrentStatus = PurchaseOrderStatusReceived
	}
	return nil
}

func lastLineOf(details []PurchaseOrderDetail, materialId string) int {
	last := -1
	for i, d := range details {
		if d.MaterialId == materialId {
			last = i
		}
	}
	return last
}

func countRowsTx[T any](tx *gorm.DB, condition string, values ...interface{}) (int64, error) {
	var model T
	var count int64
	err := tx.Model(&model).Where(condition, values...).Count(&count).Error
	return count, err
}

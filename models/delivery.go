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

type Delivery struct {
	ID              int              `gorm:"primary_key" json:"id"`
	BusinessId      string           `gorm:"index;not null" json:"business_id"`
	PurchaseOrderId int              `gorm:"index;not null" json:"purchase_order_id"`
	DeliveryNumber  string           `gorm:"size:100" json:"delivery_number"`
	DeliveryDate    time.Time        `gorm:"index;not null" json:"delivery_date"`
	ReceivedBy      string           `gorm:"size:100" json:"received_by"`
	Notes           string           `gorm:"type:text;default:null" json:"notes"`
	CurrentStatus   DeliveryStatus   `gorm:"type:enum('pending','partial','complete');not null;default:'pending'" json:"current_status"`
	Details         []DeliveryDetail `json:"details"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type DeliveryDetail struct {
	ID            int             `gorm:"primary_key" json:"id"`
	DeliveryId    int             `gorm:"index;not null" json:"delivery_id"`
	MaterialId    string          `gorm:"size:100;not null;index" json:"material_id"`
	GoodQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"good_qty"`
	DamagedQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"damaged_qty"`
	BrandReceived string          `gorm:"size:100" json:"brand_received"`
}

type NewDelivery struct {
	PurchaseOrderId int                 `json:"purchase_order_id" validate:"required"`
	DeliveryNumber  string              `json:"delivery_number" validate:"max=100"`
	DeliveryDate    time.Time           `json:"delivery_date" validate:"required"`
	ReceivedBy      string              `json:"received_by" validate:"max=100"`
	Notes           string              `json:"notes"`
	Details         []NewDeliveryDetail `json:"details" validate:"required,min=1,dive"`
}

type NewDeliveryDetail struct {
	MaterialId    string          `json:"material_id" validate:"required,max=100"`
	GoodQty       decimal.Decimal `json:"good_qty"`
	DamagedQty    decimal.Decimal `json:"damaged_qty"`
	BrandReceived string          `json:"brand_received" validate:"max=100"`
}

var ErrDeliveryExceedsOrdered = errors.New("delivered quantity exceeds ordered quantity")

func (d Delivery) GetBusinessId() string {
	return d.BusinessId
}

// validate checks the delivery lines against the locked purchase order.
func (input *NewDelivery) validate(po *PurchaseOrder) error {
	if err := utils.Validate(input); err != nil {
		return err
	}
	if !po.CurrentStatus.AcceptsDeliveries() {
		return fmt.Errorf("purchase order %s is %s and cannot receive deliveries", po.OrderNumber, po.CurrentStatus)
	}
	if input.DeliveryDate.Before(po.OrderDate) {
		return errors.New("delivery date must not be before order date")
	}
	for i, d := range input.Details {
		materialId := strings.TrimSpace(d.MaterialId)
		input.Details[i].MaterialId = materialId
		input.Details[i].BrandReceived = strings.TrimSpace(d.BrandReceived)
		if d.GoodQty.IsNegative() || d.DamagedQty.IsNegative() {
			return fmt.Errorf("details[%d]: quantities must not be negative", i)
		}
		ordered, ok := po.OrderedQty(materialId)
		if !ok {
			return fmt.Errorf("details[%d]: material %s is not on purchase order %s", i, materialId, po.OrderNumber)
		}
		if d.GoodQty.Add(d.DamagedQty).GreaterThan(ordered) {
			return fmt.Errorf("%w: material %s received %s of %s ordered", ErrDeliveryExceedsOrdered, materialId, d.GoodQty.Add(d.DamagedQty), ordered)
		}
	}
	return nil
}

func mapDeliveryDetails(inputs []NewDeliveryDetail) []DeliveryDetail {
	details := make([]DeliveryDetail, 0, len(inputs))
	for _, item := range inputs {
		details = append(details, DeliveryDetail{
			MaterialId:    item.MaterialId,
			GoodQty:       item.GoodQty,
			DamagedQty:    item.DamagedQty,
			BrandReceived: item.BrandReceived,
		})
	}
	return details
}

// deliveryStatus is pending when nothing arrived, complete when the PO's
// cumulative good quantity covers every line, partial otherwise.
func deliveryStatus(details []DeliveryDetail, po *PurchaseOrder) DeliveryStatus {
	received := decimal.Zero
	for _, d := range details {
		received = received.Add(d.GoodQty).Add(d.DamagedQty)
	}
	if received.IsZero() {
		return DeliveryStatusPending
	}
	for _, d := range po.Details {
		if d.DetailReceivedQty.LessThan(d.DetailQty) {
			return DeliveryStatusPartial
		}
	}
	return DeliveryStatusComplete
}

func CreateDelivery(ctx context.Context, input *NewDelivery) (*Delivery, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}

	release, err := utils.ObtainLock(ctx, "lock:po", fmt.Sprint(input.PurchaseOrderId), 30*time.Second, "models", "CreateDelivery")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := config.GetDB().WithContext(ctx).Begin()
	po, err := utils.FetchModelForUpdate[PurchaseOrder](tx, businessId, input.PurchaseOrderId, "Details")
	if err != nil {
		tx.Rollback()
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, errors.New("purchase order not found")
		}
		return nil, err
	}
	if err := input.validate(po); err != nil {
		tx.Rollback()
		return nil, err
	}

	delivery := Delivery{
		BusinessId:      businessId,
		PurchaseOrderId: po.ID,
		DeliveryNumber:  input.DeliveryNumber,
		DeliveryDate:    input.DeliveryDate,
		ReceivedBy:      input.ReceivedBy,
		Notes:           input.Notes,
		CurrentStatus:   DeliveryStatusPending,
		Details:         mapDeliveryDetails(input.Details),
	}
	if err := tx.Create(&delivery).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := afterDeliveryChange(tx, po, &delivery, OutboxActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryCreate(tx, delivery.ID, "deliveries", &delivery, "Recorded delivery against "+po.OrderNumber); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	invalidatePurchaseOrderCaches(ctx, po.ID)
	return &delivery, nil
}

// UpdateDelivery replaces the lines of an existing delivery.
func UpdateDelivery(ctx context.Context, id int, input *NewDelivery) (*Delivery, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := utils.FetchModel[Delivery](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if existing.PurchaseOrderId != input.PurchaseOrderId {
		return nil, errors.New("delivery cannot be moved to another purchase order")
	}

	release, err := utils.ObtainLock(ctx, "lock:po", fmt.Sprint(input.PurchaseOrderId), 30*time.Second, "models", "UpdateDelivery")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := config.GetDB().WithContext(ctx).Begin()
	po, err := utils.FetchModelForUpdate[PurchaseOrder](tx, businessId, input.PurchaseOrderId, "Details")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	old, err := utils.FetchModelTx[Delivery](tx, businessId, id, "Details")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := input.validate(po); err != nil {
		tx.Rollback()
		return nil, err
	}

	updated := *old
	updated.DeliveryNumber = input.DeliveryNumber
	updated.DeliveryDate = input.DeliveryDate
	updated.ReceivedBy = input.ReceivedBy
	updated.Notes = input.Notes
	updated.Details = nil
	if err := tx.Where("delivery_id = ?", id).Delete(&DeliveryDetail{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Omit("Details").Save(&updated).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	details := mapDeliveryDetails(input.Details)
	for i := range details {
		details[i].DeliveryId = id
	}
	if err := tx.Create(&details).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	updated.Details = details

	if err := afterDeliveryChange(tx, po, &updated, OutboxActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryUpdate(tx, id, "deliveries", old, &updated, "Updated delivery against "+po.OrderNumber); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	invalidatePurchaseOrderCaches(ctx, po.ID)
	if err := utils.RemoveRedisItem[Delivery](ctx, id); err != nil {
		config.LogError(config.GetLogger(), "models", "UpdateDelivery", "remove cached delivery", id, err)
	}
	return &updated, nil
}

// afterDeliveryChange runs under the PO row lock: it refreshes received
// quantities, derives the delivery status, marks the PO's open invoices stale
// and queues the DLV event.
func afterDeliveryChange(tx *gorm.DB, po *PurchaseOrder, delivery *Delivery, action OutboxAction) error {
	if err := refreshReceivedQty(tx, po); err != nil {
		return err
	}
	status := deliveryStatus(delivery.Details, po)
	if status != delivery.CurrentStatus {
		if err := tx.Model(&Delivery{}).Where("id = ?", delivery.ID).UpdateColumn("current_status", status).Error; err != nil {
			return err
		}
		delivery.CurrentStatus = status
	}
	if err := markInvoicesStale(tx, po.ID); err != nil {
		return err
	}
	return enqueueOutbox(tx, OutboxReferenceTypeDelivery, delivery.ID, po.ID, action, delivery)
}

func GetDelivery(ctx context.Context, id int) (*Delivery, error) {
	return GetResource[Delivery](ctx, id, "Details")
}

func GetDeliveriesByPurchaseOrder(ctx context.Context, purchaseOrderId int) ([]*Delivery, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	var results []*Delivery
	err = config.GetDB().WithContext(ctx).
		Preload("Details").
		Where("business_id = ? AND purchase_order_id = ?", businessId, purchaseOrderId).
		Order("delivery_date, id").
		Find(&results).Error
	return results, err
}

// deliveryLinesTx reads every delivery line of a PO as engine input.
func deliveryLinesTx(tx *gorm.DB, businessId string, purchaseOrderId int) ([]matching.DeliveryLine, error) {
	var deliveries []Delivery
	err := tx.Preload("Details").
		Where("business_id = ? AND purchase_order_id = ?", businessId, purchaseOrderId).
		Order("delivery_date, id").
		Find(&deliveries).Error
	if err != nil {
		return nil, err
	}
	var lines []matching.DeliveryLine
	for _, d := range deliveries {
		for _, item := range d.Details {
			lines = append(lines, matching.DeliveryLine{
				DeliveryId:    d.ID,
				DeliveryDate:  matching.NewDate(d.DeliveryDate),
				MaterialId:    item.MaterialId,
				GoodQty:       item.GoodQty,
				DamagedQty:    item.DamagedQty,
				BrandReceived: item.BrandReceived,
			})
		}
	}
	return lines, nil
}

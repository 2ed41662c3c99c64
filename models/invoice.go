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
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Invoice struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	SupplierId      int             `gorm:"index;not null" json:"supplier_id"`
	InvoiceNumber   string          `gorm:"size:100;not null;index" json:"invoice_number"`
	InvoiceDate     time.Time       `gorm:"not null" json:"invoice_date"`
	DueDate         *time.Time      `gorm:"default:null" json:"due_date"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Notes           string          `gorm:"type:text;default:null" json:"notes"`
	CurrentStatus   InvoiceStatus   `gorm:"type:enum('submitted','approved','rejected');not null;default:'submitted'" json:"current_status"`
	MatchingStatus  string          `gorm:"size:20;not null;default:'unmatched';index" json:"matching_status"`
	// engine output, replaced on every match
	MatchAnalysis datatypes.JSON `gorm:"type:json;default:null" json:"match_analysis"`
	// set when a delivery of the PO changed after the last match
	MatchStale      bool            `gorm:"not null;default:false" json:"match_stale"`
	MatchedAt       *time.Time      `json:"matched_at"`
	ApprovedBy      *int            `json:"approved_by"`
	ApprovedAt      *time.Time      `json:"approved_at"`
	RejectedBy      *int            `json:"rejected_by"`
	RejectedAt      *time.Time      `json:"rejected_at"`
	RejectionReason string          `gorm:"type:text;default:null" json:"rejection_reason"`
	Details         []InvoiceDetail `json:"details"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceDetail struct {
	ID                int             `gorm:"primary_key" json:"id"`
	InvoiceId         int             `gorm:"index;not null" json:"invoice_id"`
	MaterialId        string          `gorm:"size:100;not null" json:"material_id"`
	Description       string          `gorm:"size:255" json:"description"`
	Brand             string          `gorm:"size:100" json:"brand"`
	DetailQty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitRate    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	DetailTotalAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_total_amount"`
}

type NewInvoice struct {
	PurchaseOrderId int                `json:"purchase_order_id" validate:"required"`
	SupplierId      int                `json:"supplier_id" validate:"required"`
	InvoiceNumber   string             `json:"invoice_number" validate:"required,max=100"`
	InvoiceDate     time.Time          `json:"invoice_date" validate:"required"`
	DueDate         *time.Time         `json:"due_date"`
	TotalAmount     decimal.Decimal    `json:"total_amount"`
	Notes           string             `json:"notes"`
	Details         []NewInvoiceDetail `json:"details" validate:"required,min=1,dive"`
}

type NewInvoiceDetail struct {
	MaterialId     string          `json:"material_id" validate:"required,max=100"`
	Description    string          `json:"description"`
	Brand          string          `json:"brand" validate:"max=100"`
	DetailQty      decimal.Decimal `json:"detail_qty"`
	DetailUnitRate decimal.Decimal `json:"detail_unit_rate"`
}

var (
	ErrInvoiceApprovalBlocked = errors.New("invoice has unresolved critical discrepancies")
	ErrNotAllowed             = errors.New("user role is not allowed to perform this action")
)

func (inv Invoice) GetBusinessId() string {
	return inv.BusinessId
}

// InvoiceLines maps the invoice details into engine invoice lines.
func (inv Invoice) InvoiceLines() []matching.InvoiceLine {
	lines := make([]matching.InvoiceLine, 0, len(inv.Details))
	for _, d := range inv.Details {
		lines = append(lines, matching.InvoiceLine{
			MaterialId: d.MaterialId,
			Quantity:   d.DetailQty,
			UnitPrice:  d.DetailUnitRate,
			Brand:      d.Brand,
		})
	}
	return lines
}

// Analysis decodes the stored match analysis. It returns nil for an unmatched invoice.
func (inv Invoice) Analysis() (*matching.MatchAnalysis, error) {
	if len(inv.MatchAnalysis) == 0 || string(inv.MatchAnalysis) == "null" {
		return nil, nil
	}
	var analysis matching.MatchAnalysis
	if err := utils.UnmarshalFromJSON(inv.MatchAnalysis, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (input *NewInvoice) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.Validate(input); err != nil {
		return err
	}
	if err := utils.ValidateResourceId[Supplier](ctx, businessId, input.SupplierId); err != nil {
		return errors.New("supplier not found")
	}
	var count int64
	var err error
	if id == 0 {
		count, err = utils.ResourceCountWhere[Invoice](ctx, businessId, "supplier_id = ? AND invoice_number = ?", input.SupplierId, input.InvoiceNumber)
	} else {
		count, err = utils.ResourceCountWhere[Invoice](ctx, businessId, "supplier_id = ? AND invoice_number = ? AND NOT id = ?", input.SupplierId, input.InvoiceNumber, id)
	}
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New("duplicate invoice_number")
	}
	if input.DueDate != nil && input.DueDate.Before(input.InvoiceDate) {
		return errors.New("due date must not be before invoice date")
	}
	if input.TotalAmount.IsNegative() {
		return errors.New("total amount must not be negative")
	}
	for i, d := range input.Details {
		if d.DetailQty.IsNegative() {
			return fmt.Errorf("details[%d]: quantity must not be negative", i)
		}
		if d.DetailUnitRate.IsNegative() {
			return fmt.Errorf("details[%d]: unit price must not be negative", i)
		}
		input.Details[i].MaterialId = strings.TrimSpace(d.MaterialId)
		input.Details[i].Brand = strings.TrimSpace(d.Brand)
	}
	return nil
}

// checkPurchaseOrder rejects invoices against a PO that cannot be billed.
func (input *NewInvoice) checkPurchaseOrder(po *PurchaseOrder) error {
	if !po.CurrentStatus.AcceptsDeliveries() {
		return fmt.Errorf("purchase order %s is %s and cannot be invoiced", po.OrderNumber, po.CurrentStatus)
	}
	if po.SupplierId != input.SupplierId {
		return errors.New("invoice supplier does not match purchase order supplier")
	}
	return nil
}

func mapInvoiceDetails(inputs []NewInvoiceDetail) ([]InvoiceDetail, decimal.Decimal) {
	details := make([]InvoiceDetail, 0, len(inputs))
	total := decimal.Zero
	for _, item := range inputs {
		detail := InvoiceDetail{
			MaterialId:        item.MaterialId,
			Description:       item.Description,
			Brand:             item.Brand,
			DetailQty:         item.DetailQty,
			DetailUnitRate:    item.DetailUnitRate,
			DetailTotalAmount: item.DetailQty.Mul(item.DetailUnitRate).Round(4),
		}
		total = total.Add(detail.DetailTotalAmount)
		details = append(details, detail)
	}
	return details, total
}

// CreateInvoice stores the invoice and matches it against its PO and
// deliveries in the same transaction.
func CreateInvoice(ctx context.Context, input *NewInvoice) (*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	var invoice Invoice
	err = runLockedOnPurchaseOrder(ctx, businessId, input.PurchaseOrderId, "CreateInvoice", func(tx *gorm.DB, po *PurchaseOrder) error {
		if err := input.checkPurchaseOrder(po); err != nil {
			return err
		}
		details, linesTotal := mapInvoiceDetails(input.Details)
		total := input.TotalAmount
		if total.IsZero() {
			total = linesTotal
		}
		invoice = Invoice{
			BusinessId:      businessId,
			PurchaseOrderId: po.ID,
			SupplierId:      input.SupplierId,
			InvoiceNumber:   input.InvoiceNumber,
			InvoiceDate:     input.InvoiceDate,
			DueDate:         input.DueDate,
			TotalAmount:     total,
			Notes:           input.Notes,
			CurrentStatus:   InvoiceStatusSubmitted,
			MatchingStatus:  matching.MatchingStatusUnmatched,
			Details:         details,
		}
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		if err := SaveHistoryCreate(tx, invoice.ID, "invoices", &invoice, "Submitted invoice "+invoice.InvoiceNumber); err != nil {
			return err
		}
		if _, err := matchInvoiceTx(tx, po, &invoice); err != nil {
			return err
		}
		return enqueueOutbox(tx, OutboxReferenceTypeInvoice, invoice.ID, po.ID, OutboxActionCreate, &invoice)
	})
	if err != nil {
		return nil, err
	}
	invalidateMatchSummary(ctx, invoice.ID, invoice.PurchaseOrderId)
	return &invoice, nil
}

// UpdateInvoice replaces the header and lines of a submitted invoice and re-matches it.
func UpdateInvoice(ctx context.Context, id int, input *NewInvoice) (*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := utils.FetchModel[Invoice](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if existing.PurchaseOrderId != input.PurchaseOrderId {
		return nil, errors.New("invoice cannot be moved to another purchase order")
	}
	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	var updated Invoice
	err = runLockedOnPurchaseOrder(ctx, businessId, input.PurchaseOrderId, "UpdateInvoice", func(tx *gorm.DB, po *PurchaseOrder) error {
		old, err := utils.FetchModelForUpdate[Invoice](tx, businessId, id, "Details")
		if err != nil {
			return err
		}
		if old.CurrentStatus != InvoiceStatusSubmitted {
			return fmt.Errorf("%w: invoice is %s", ErrInvalidStatusTransition, old.CurrentStatus)
		}
		if err := input.checkPurchaseOrder(po); err != nil {
			return err
		}

		details, linesTotal := mapInvoiceDetails(input.Details)
		updated = *old
		updated.SupplierId = input.SupplierId
		updated.InvoiceNumber = input.InvoiceNumber
		updated.InvoiceDate = input.InvoiceDate
		updated.DueDate = input.DueDate
		updated.TotalAmount = input.TotalAmount
		if updated.TotalAmount.IsZero() {
			updated.TotalAmount = linesTotal
		}
		updated.Notes = input.Notes
		updated.Details = nil

		if err := tx.Where("invoice_id = ?", id).Delete(&InvoiceDetail{}).Error; err != nil {
			return err
		}
		if err := tx.Omit("Details").Save(&updated).Error; err != nil {
			return err
		}
		for i := range details {
			details[i].InvoiceId = id
		}
		if len(details) > 0 {
			if err := tx.Create(&details).Error; err != nil {
				return err
			}
		}
		updated.Details = details

		if err := SaveHistoryUpdate(tx, id, "invoices", old, &updated, "Updated invoice "+updated.InvoiceNumber); err != nil {
			return err
		}
		if _, err := matchInvoiceTx(tx, po, &updated); err != nil {
			return err
		}
		return enqueueOutbox(tx, OutboxReferenceTypeInvoice, id, po.ID, OutboxActionUpdate, &updated)
	})
	if err != nil {
		return nil, err
	}
	invalidateMatchSummary(ctx, id, updated.PurchaseOrderId)
	return &updated, nil
}

// ApproveInvoice re-matches a stale invoice first. Approval is refused while a
// critical discrepancy of the invoice, or a critical quality issue on one of
// the PO's deliveries, is still open or reviewed. A re-match done on the way
// is kept even when approval is refused.
func ApproveInvoice(ctx context.Context, id int) (*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireApproverRole(ctx); err != nil {
		return nil, err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	existing, err := utils.FetchModel[Invoice](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	var invoice *Invoice
	var blocking int64
	err = runLockedOnPurchaseOrder(ctx, businessId, existing.PurchaseOrderId, "ApproveInvoice", func(tx *gorm.DB, po *PurchaseOrder) error {
		inv, err := utils.FetchModelForUpdate[Invoice](tx, businessId, id, "Details")
		if err != nil {
			return err
		}
		invoice = inv
		if inv.CurrentStatus != InvoiceStatusSubmitted {
			return fmt.Errorf("%w: invoice is %s", ErrInvalidStatusTransition, inv.CurrentStatus)
		}
		if inv.MatchStale || len(inv.MatchAnalysis) == 0 {
			if _, err := matchInvoiceTx(tx, po, inv); err != nil {
				return err
			}
		}
		blocking, err = countBlockingDiscrepanciesTx(tx, businessId, inv.ID, po.ID)
		if err != nil {
			return err
		}
		if blocking > 0 {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(inv).Updates(map[string]interface{}{
			"current_status": InvoiceStatusApproved,
			"approved_by":    userId,
			"approved_at":    &now,
		}).Error; err != nil {
			return err
		}
		inv.CurrentStatus = InvoiceStatusApproved
		inv.ApprovedBy = &userId
		inv.ApprovedAt = &now
		if err := createHistory(tx, HistoryActionApprove, inv.ID, "invoices", InvoiceStatusSubmitted, InvoiceStatusApproved, "Approved invoice "+inv.InvoiceNumber); err != nil {
			return err
		}
		return enqueueOutbox(tx, OutboxReferenceTypeInvoice, inv.ID, po.ID, OutboxActionUpdate, inv)
	})
	if err != nil {
		return nil, err
	}
	invalidateMatchSummary(ctx, id, existing.PurchaseOrderId)
	if blocking > 0 {
		return invoice, fmt.Errorf("%w: %d blocking", ErrInvoiceApprovalBlocked, blocking)
	}
	return invoice, nil
}

func RejectInvoice(ctx context.Context, id int, reason string) (*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireApproverRole(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("rejection reason is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	tx := config.GetDB().WithContext(ctx).Begin()
	inv, err := utils.FetchModelForUpdate[Invoice](tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if inv.CurrentStatus != InvoiceStatusSubmitted {
		tx.Rollback()
		return nil, fmt.Errorf("%w: invoice is %s", ErrInvalidStatusTransition, inv.CurrentStatus)
	}
	now := time.Now().UTC()
	if err := tx.Model(inv).Updates(map[string]interface{}{
		"current_status":   InvoiceStatusRejected,
		"rejected_by":      userId,
		"rejected_at":      &now,
		"rejection_reason": reason,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	inv.CurrentStatus = InvoiceStatusRejected
	inv.RejectedBy = &userId
	inv.RejectedAt = &now
	inv.RejectionReason = reason
	if err := createHistory(tx, HistoryActionReject, id, "invoices", InvoiceStatusSubmitted, InvoiceStatusRejected, "Rejected invoice: "+reason); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := enqueueOutbox(tx, OutboxReferenceTypeInvoice, id, inv.PurchaseOrderId, OutboxActionUpdate, inv); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	invalidateMatchSummary(ctx, id, inv.PurchaseOrderId)
	return inv, nil
}

func GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[Invoice](ctx, businessId, id, "Details")
}

func GetInvoicesByPurchaseOrder(ctx context.Context, purchaseOrderId int) ([]*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	var results []*Invoice
	err = config.GetDB().WithContext(ctx).
		Preload("Details").
		Where("business_id = ? AND purchase_order_id = ?", businessId, purchaseOrderId).
		Order("invoice_date, id").
		Find(&results).Error
	return results, err
}

// GetInvoicesByIds is the batch read behind the invoice dataloader.
func GetInvoicesByIds(ctx context.Context, ids []int) ([]*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchAllModelsWhere[Invoice](ctx, businessId, "id IN ?", ids)
}

// markInvoicesStale flags every submitted invoice of the PO for re-matching.
func markInvoicesStale(tx *gorm.DB, purchaseOrderId int) error {
	return tx.Model(&Invoice{}).
		Where("purchase_order_id = ? AND current_status = ?", purchaseOrderId, InvoiceStatusSubmitted).
		UpdateColumn("match_stale", true).Error
}

func requireApproverRole(ctx context.Context) error {
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}
	role, _ := utils.GetUserRoleFromContext(ctx)
	if !UserRole(role).CanApproveInvoices() {
		return ErrNotAllowed
	}
	return nil
}

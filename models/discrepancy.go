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
	"gorm.io/gorm"
)

// Discrepancy is a persisted finding against a PO, raised by the matching
// engine or flagged by hand. Once reviewed it is only changed by people.
type Discrepancy struct {
	ID              int                 `gorm:"primary_key" json:"id"`
	BusinessId      string              `gorm:"index;not null" json:"business_id"`
	PurchaseOrderId int                 `gorm:"index;not null" json:"purchase_order_id"`
	DeliveryId      *int                `gorm:"index" json:"delivery_id"`
	InvoiceId       *int                `gorm:"index" json:"invoice_id"`
	Type            string              `gorm:"type:enum('quantity_mismatch','price_mismatch','brand_mismatch','timing_mismatch','quality_issue');not null" json:"type"`
	Severity        DiscrepancySeverity `gorm:"type:enum('critical','warning','info');not null" json:"severity"`
	CurrentStatus   DiscrepancyStatus   `gorm:"type:enum('open','reviewed','resolved','waived');not null;default:'open';index" json:"current_status"`
	Source          DiscrepancySource   `gorm:"type:enum('matching','manual');not null;default:'matching'" json:"source"`
	Description     string              `gorm:"type:text;not null" json:"description"`
	ReviewNote      string              `gorm:"type:text;default:null" json:"review_note"`
	Resolution      string              `gorm:"type:text;default:null" json:"resolution"`
	FlaggedBy       *int                `json:"flagged_by"`
	FlaggedAt       time.Time           `gorm:"not null" json:"flagged_at"`
	ReviewedBy      *int                `json:"reviewed_by"`
	ReviewedAt      *time.Time          `json:"reviewed_at"`
	ResolvedBy      *int                `json:"resolved_by"`
	ResolvedAt      *time.Time          `json:"resolved_at"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewQualityIssue struct {
	DeliveryId  int                 `json:"delivery_id" validate:"required"`
	InvoiceId   *int                `json:"invoice_id"`
	Severity    DiscrepancySeverity `json:"severity" validate:"required"`
	Description string              `json:"description" validate:"required"`
}

func (d Discrepancy) GetBusinessId() string {
	return d.BusinessId
}

func (d Discrepancy) IsBlocking() bool {
	return d.Severity == DiscrepancySeverityCritical && !d.CurrentStatus.IsClosed()
}

func userIdPtr(ctx context.Context) *int {
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId > 0 {
		return &userId
	}
	return nil
}

// replaceMatchingDiscrepancies swaps the invoice's open engine discrepancies
// for drafts. Reviewed, resolved and waived rows stay as they are, and a
// draft already covered by one of them with the same severity and description is not raised again.
func replaceMatchingDiscrepancies(tx *gorm.DB, purchaseOrderId int, invoiceId int, drafts []matching.DiscrepancyDraft) error {
	ctx := tx.Statement.Context
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return err
	}
	if err := tx.
		Where("invoice_id = ? AND source = ? AND current_status = ?", invoiceId, DiscrepancySourceMatching, DiscrepancyStatusOpen).
		Delete(&Discrepancy{}).Error; err != nil {
		return err
	}

	var handled []Discrepancy
	if err := tx.
		Where("invoice_id = ? AND source = ?", invoiceId, DiscrepancySourceMatching).
		Find(&handled).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	flaggedBy := userIdPtr(ctx)
	var rows []Discrepancy
	for _, d := range unhandledDrafts(handled, drafts) {
		invId := invoiceId
		rows = append(rows, Discrepancy{
			BusinessId:      businessId,
			PurchaseOrderId: purchaseOrderId,
			InvoiceId:       &invId,
			Type:            d.Type,
			Severity:        DiscrepancySeverity(d.Severity),
			CurrentStatus:   DiscrepancyStatusOpen,
			Source:          DiscrepancySourceMatching,
			Description:     d.Description,
			FlaggedBy:       flaggedBy,
			FlaggedAt:       now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

// unhandledDrafts drops drafts a person already dealt with. Severity is part
// of the key so a finding that got worse is raised again.
func unhandledDrafts(handled []Discrepancy, drafts []matching.DiscrepancyDraft) []matching.DiscrepancyDraft {
	key := func(typ, severity, description string) string {
		return typ + "|" + severity + "|" + description
	}
	seen := make(map[string]bool, len(handled))
	for _, h := range handled {
		seen[key(h.Type, string(h.Severity), h.Description)] = true
	}
	var out []matching.DiscrepancyDraft
	for _, d := range drafts {
		if !seen[key(d.Type, d.Severity, d.Description)] {
			out = append(out, d)
		}
	}
	return out
}

// countBlockingDiscrepanciesTx counts critical discrepancies still open or
// reviewed on the invoice, plus critical quality issues on deliveries of its PO.
func countBlockingDiscrepanciesTx(tx *gorm.DB, businessId string, invoiceId int, purchaseOrderId int) (int64, error) {
	var count int64
	err := tx.Model(&Discrepancy{}).
		Where("business_id = ? AND severity = ? AND current_status IN ?", businessId, DiscrepancySeverityCritical,
			[]DiscrepancyStatus{DiscrepancyStatusOpen, DiscrepancyStatusReviewed}).
		Where("invoice_id = ? OR (purchase_order_id = ? AND type = ? AND delivery_id IS NOT NULL)",
			invoiceId, purchaseOrderId, matching.DiscrepancyTypeQuality).
		Count(&count).Error
	return count, err
}

func GetDiscrepancy(ctx context.Context, id int) (*Discrepancy, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[Discrepancy](ctx, businessId, id)
}

func GetDiscrepanciesByInvoice(ctx context.Context, invoiceId int) ([]*Discrepancy, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchAllModelsWhere[Discrepancy](ctx, businessId, "invoice_id = ?", invoiceId)
}

// GetDiscrepanciesByInvoiceIds is the batch read behind the discrepancy dataloader.
func GetDiscrepanciesByInvoiceIds(ctx context.Context, invoiceIds []int) ([]*Discrepancy, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchAllModelsWhere[Discrepancy](ctx, businessId, "invoice_id IN ?", invoiceIds)
}

func GetDiscrepanciesByPurchaseOrder(ctx context.Context, purchaseOrderId int, status *DiscrepancyStatus) ([]*Discrepancy, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if status != nil && *status != "" {
		return utils.FetchAllModelsWhere[Discrepancy](ctx, businessId, "purchase_order_id = ? AND current_status = ?", purchaseOrderId, *status)
	}
	return utils.FetchAllModelsWhere[Discrepancy](ctx, businessId, "purchase_order_id = ?", purchaseOrderId)
}

// FlagQualityIssue records a manual quality_issue against a delivery.
func FlagQualityIssue(ctx context.Context, input *NewQualityIssue) (*Discrepancy, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.Validate(input); err != nil {
		return nil, err
	}
	if _, ok := discrepancySeverities[string(input.Severity)]; !ok {
		return nil, errors.New("invalid discrepancy severity")
	}
	delivery, err := utils.FetchModel[Delivery](ctx, businessId, input.DeliveryId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, errors.New("delivery not found")
		}
		return nil, err
	}
	if input.InvoiceId != nil {
		inv, err := utils.FetchModel[Invoice](ctx, businessId, *input.InvoiceId)
		if err != nil {
			return nil, errors.New("invoice not found")
		}
		if inv.PurchaseOrderId != delivery.PurchaseOrderId {
			return nil, errors.New("invoice and delivery belong to different purchase orders")
		}
	}

	deliveryId := delivery.ID
	discrepancy := Discrepancy{
		BusinessId:      businessId,
		PurchaseOrderId: delivery.PurchaseOrderId,
		DeliveryId:      &deliveryId,
		InvoiceId:       input.InvoiceId,
		Type:            matching.DiscrepancyTypeQuality,
		Severity:        input.Severity,
		CurrentStatus:   DiscrepancyStatusOpen,
		Source:          DiscrepancySourceManual,
		Description:     strings.TrimSpace(input.Description),
		FlaggedBy:       userIdPtr(ctx),
		FlaggedAt:       time.Now().UTC(),
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	if err := tx.Create(&discrepancy).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryCreate(tx, discrepancy.ID, "discrepancies", &discrepancy, "Flagged quality issue"); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := enqueueOutbox(tx, OutboxReferenceTypeDiscrepancy, discrepancy.ID, discrepancy.PurchaseOrderId, OutboxActionCreate, &discrepancy); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	invalidatePurchaseOrderCaches(ctx, discrepancy.PurchaseOrderId)
	return &discrepancy, nil
}

// ReviewDiscrepancy moves an open discrepancy to reviewed. Reviewed discrepancies
// survive re-matching.
func ReviewDiscrepancy(ctx context.Context, id int, note string) (*Discrepancy, error) {
	return changeDiscrepancyStatus(ctx, id, DiscrepancyStatusReviewed, note)
}

func ResolveDiscrepancy(ctx context.Context, id int, resolution string) (*Discrepancy, error) {
	return changeDiscrepancyStatus(ctx, id, DiscrepancyStatusResolved, resolution)
}

// WaiveDiscrepancy accepts a discrepancy without correcting it.
func WaiveDiscrepancy(ctx context.Context, id int, resolution string) (*Discrepancy, error) {
	return changeDiscrepancyStatus(ctx, id, DiscrepancyStatusWaived, resolution)
}

func changeDiscrepancyStatus(ctx context.Context, id int, next DiscrepancyStatus, note string) (*Discrepancy, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if next.IsClosed() {
		if err := requireApproverRole(ctx); err != nil {
			return nil, err
		}
		if note == "" {
			return nil, errors.New("resolution is required")
		}
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	old, err := utils.FetchModelForUpdate[Discrepancy](tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !canMoveDiscrepancy(old.CurrentStatus, next) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, old.CurrentStatus, next)
	}

	now := time.Now().UTC()
	userId := userIdPtr(ctx)
	updated := *old
	updated.CurrentStatus = next
	changes := map[string]interface{}{"current_status": next}
	if next == DiscrepancyStatusReviewed {
		updated.ReviewNote = note
		updated.ReviewedBy = userId
		updated.ReviewedAt = &now
		changes["review_note"] = note
		changes["reviewed_by"] = userId
		changes["reviewed_at"] = &now
	} else {
		updated.Resolution = note
		updated.ResolvedBy = userId
		updated.ResolvedAt = &now
		changes["resolution"] = note
		changes["resolved_by"] = userId
		changes["resolved_at"] = &now
	}
	if err := tx.Model(&Discrepancy{}).Where("id = ?", id).Updates(changes).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryUpdate(tx, id, "discrepancies", old, &updated, "Discrepancy "+string(next)); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := enqueueOutbox(tx, OutboxReferenceTypeDiscrepancy, id, updated.PurchaseOrderId, OutboxActionUpdate, &updated); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	invalidatePurchaseOrderCaches(ctx, updated.PurchaseOrderId)
	if old.IsBlocking() && !updated.IsBlocking() {
		config.GetLogger().Infof("[discrepancy.unblocked] business=%s purchase_order=%d discrepancy=%d status=%s",
			businessId, updated.PurchaseOrderId, id, next)
	}
	return &updated, nil
}

func canMoveDiscrepancy(from, to DiscrepancyStatus) bool {
	switch to {
	case DiscrepancyStatusReviewed:
		return from == DiscrepancyStatusOpen
	case DiscrepancyStatusResolved, DiscrepancyStatusWaived:
		return from == DiscrepancyStatusOpen || from == DiscrepancyStatusReviewed
	}
	return false
}

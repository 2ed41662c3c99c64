package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/matching"
	"github.com/mmdatafocus/mrms_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/mrms_backend/models")

// InvoiceMatchSummary is what reviewers see next to an invoice.
type InvoiceMatchSummary struct {
	InvoiceId             int                     `json:"invoice_id"`
	PurchaseOrderId       int                     `json:"purchase_order_id"`
	CurrentStatus         InvoiceStatus           `json:"current_status"`
	MatchingStatus        string                  `json:"matching_status"`
	MatchStale            bool                    `json:"match_stale"`
	MatchedAt             *time.Time              `json:"matched_at"`
	Analysis              *matching.MatchAnalysis `json:"analysis"`
	OpenDiscrepancies     int64                   `json:"open_discrepancies"`
	BlockingDiscrepancies int64                   `json:"blocking_discrepancies"`
	CanApprove            bool                    `json:"can_approve"`
}

// runLockedOnPurchaseOrder runs fn in a transaction holding the PO row lock.
// The Redis lock only keeps instances from queueing on the row lock.
func runLockedOnPurchaseOrder(ctx context.Context, businessId string, purchaseOrderId int, funcName string, fn func(tx *gorm.DB, po *PurchaseOrder) error) error {
	release, err := utils.ObtainLock(ctx, "lock:po", fmt.Sprint(purchaseOrderId), 30*time.Second, "models", funcName)
	if err != nil {
		return err
	}
	defer release()

	tx := config.GetDB().WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	po, err := utils.FetchModelForUpdate[PurchaseOrder](tx, businessId, purchaseOrderId, "Details")
	if err != nil {
		tx.Rollback()
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return errors.New("purchase order not found")
		}
		return err
	}
	if err := fn(tx, po); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// matchInvoiceTx evaluates inv against po and the PO's deliveries, stores the
// analysis on the invoice and replaces its open engine discrepancies.
// The caller holds the PO row lock. inv.Details must be loaded.
func matchInvoiceTx(tx *gorm.DB, po *PurchaseOrder, inv *Invoice) (*matching.MatchAnalysis, error) {
	ctx, span := tracer.Start(tx.Statement.Context, "matching.Evaluate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("business.id", inv.BusinessId),
		attribute.Int("invoice.id", inv.ID),
		attribute.Int("purchase_order.id", po.ID),
	)
	tx = tx.WithContext(ctx)
	logger := config.GetLogger()

	deliveryLines, err := deliveryLinesTx(tx, inv.BusinessId, po.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	summary := matching.AggregateDeliveries(deliveryLines)

	input := matching.Input{
		OrderLines:     po.OrderLines(),
		DeliveredLines: summary.Lines,
		InvoiceLines:   inv.InvoiceLines(),
		OrderDate:      matching.NewDate(po.OrderDate),
		DeliveryDate:   summary.LastDeliveryDate,
		InvoiceDate:    matching.NewDate(inv.InvoiceDate),
	}
	if po.RequiredDeliveryDate != nil {
		input.RequiredDeliveryDate = matching.NewDate(*po.RequiredDeliveryDate)
	}

	analysis, err := matching.Evaluate(config.GetMatchingConfig(), input)
	if err != nil {
		var incomplete *matching.InputIncompleteError
		if !errors.As(err, &incomplete) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		// the analysis is complete, the unknown materials are already CRITICAL
		config.LogError(logger, "models", "matchInvoiceTx", "invoice materials missing from purchase order", incomplete.MaterialIds, err)
	}
	span.SetAttributes(
		attribute.String("match.overall_status", string(analysis.OverallStatus)),
		attribute.Int("match.discrepancies", analysis.Discrepancies),
	)

	raw, err := json.Marshal(analysis)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	matchingStatus := matching.MatchingStatus(analysis.OverallStatus)
	if err := tx.Model(&Invoice{}).Where("id = ?", inv.ID).Updates(map[string]interface{}{
		"matching_status": matchingStatus,
		"match_analysis":  datatypes.JSON(raw),
		"match_stale":     false,
		"matched_at":      &now,
	}).Error; err != nil {
		span.RecordError(err)
		return nil, err
	}
	inv.MatchingStatus = matchingStatus
	inv.MatchAnalysis = datatypes.JSON(raw)
	inv.MatchStale = false
	inv.MatchedAt = &now

	if err := replaceMatchingDiscrepancies(tx, po.ID, inv.ID, matching.Discrepancies(analysis)); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := createHistory(tx, HistoryActionMatch, inv.ID, "invoices", nil, analysis, "Matched invoice: "+string(analysis.OverallStatus)); err != nil {
		return nil, err
	}

	config.LogMatch(logger, inv.BusinessId, inv.ID, po.ID, string(analysis.OverallStatus), analysis.Discrepancies)
	return &analysis, nil
}

// RematchInvoice re-runs matching for one submitted invoice.
func RematchInvoice(ctx context.Context, id int) (*Invoice, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := utils.FetchModel[Invoice](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	var invoice *Invoice
	err = runLockedOnPurchaseOrder(ctx, businessId, existing.PurchaseOrderId, "RematchInvoice", func(tx *gorm.DB, po *PurchaseOrder) error {
		inv, err := utils.FetchModelForUpdate[Invoice](tx, businessId, id, "Details")
		if err != nil {
			return err
		}
		if inv.CurrentStatus != InvoiceStatusSubmitted {
			return fmt.Errorf("%w: invoice is %s", ErrInvalidStatusTransition, inv.CurrentStatus)
		}
		if _, err := matchInvoiceTx(tx, po, inv); err != nil {
			return err
		}
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	invalidateMatchSummary(ctx, id, invoice.PurchaseOrderId)
	return invoice, nil
}

// RematchInvoicesForPurchaseOrder re-runs matching for every submitted invoice
// of a PO. It returns the number of invoices matched.
func RematchInvoicesForPurchaseOrder(ctx context.Context, purchaseOrderId int) (int, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return 0, err
	}
	matched := 0
	err = runLockedOnPurchaseOrder(ctx, businessId, purchaseOrderId, "RematchInvoicesForPurchaseOrder", func(tx *gorm.DB, po *PurchaseOrder) error {
		var invoices []*Invoice
		if err := tx.Preload("Details").
			Where("business_id = ? AND purchase_order_id = ? AND current_status = ?", businessId, po.ID, InvoiceStatusSubmitted).
			Order("id").
			Find(&invoices).Error; err != nil {
			return err
		}
		for _, inv := range invoices {
			if _, err := matchInvoiceTx(tx, po, inv); err != nil {
				return fmt.Errorf("invoice %d: %w", inv.ID, err)
			}
			matched++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	invalidatePurchaseOrderCaches(ctx, purchaseOrderId)
	return matched, nil
}

func matchSummaryKey(invoiceId int) string {
	return fmt.Sprintf("InvoiceMatchSummary:%d", invoiceId)
}

func matchSummarySetKey(purchaseOrderId int) string {
	return fmt.Sprintf("InvoiceMatchSummaries:PO:%d", purchaseOrderId)
}

// GetInvoiceMatchSummary returns the stored analysis with the discrepancy counts
// that gate approval.
func GetInvoiceMatchSummary(ctx context.Context, invoiceId int) (*InvoiceMatchSummary, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	cacheEnabled := config.MatchSummaryCacheEnabled()
	if cacheEnabled {
		var cached InvoiceMatchSummary
		exists, err := config.GetRedisObject(ctx, matchSummaryKey(invoiceId), &cached)
		if err != nil {
			config.LogError(config.GetLogger(), "models", "GetInvoiceMatchSummary", "read cached summary", invoiceId, err)
		} else if exists {
			return &cached, nil
		}
	}

	inv, err := utils.FetchModel[Invoice](ctx, businessId, invoiceId)
	if err != nil {
		return nil, err
	}
	analysis, err := inv.Analysis()
	if err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx)
	blocking, err := countBlockingDiscrepanciesTx(db, businessId, inv.ID, inv.PurchaseOrderId)
	if err != nil {
		return nil, err
	}
	var open int64
	if err := db.Model(&Discrepancy{}).
		Where("business_id = ? AND invoice_id = ? AND current_status IN ?", businessId, inv.ID, []DiscrepancyStatus{DiscrepancyStatusOpen, DiscrepancyStatusReviewed}).
		Count(&open).Error; err != nil {
		return nil, err
	}

	summary := &InvoiceMatchSummary{
		InvoiceId:             inv.ID,
		PurchaseOrderId:       inv.PurchaseOrderId,
		CurrentStatus:         inv.CurrentStatus,
		MatchingStatus:        inv.MatchingStatus,
		MatchStale:            inv.MatchStale,
		MatchedAt:             inv.MatchedAt,
		Analysis:              analysis,
		OpenDiscrepancies:     open,
		BlockingDiscrepancies: blocking,
		CanApprove:            inv.CurrentStatus == InvoiceStatusSubmitted && blocking == 0 && analysis != nil,
	}
	if cacheEnabled {
		if err := config.SetRedisObject(ctx, matchSummaryKey(invoiceId), summary, utils.GetCacheLifespan()); err != nil {
			config.LogError(config.GetLogger(), "models", "GetInvoiceMatchSummary", "cache summary", invoiceId, err)
		} else if err := config.AddRedisSet(ctx, matchSummarySetKey(inv.PurchaseOrderId), matchSummaryKey(invoiceId)); err != nil {
			config.LogError(config.GetLogger(), "models", "GetInvoiceMatchSummary", "track cached summary", invoiceId, err)
		}
	}
	return summary, nil
}

// InvalidateMatchSummary drops a cached summary. Cache errors are logged, never returned.
func InvalidateMatchSummary(ctx context.Context, invoiceId int, purchaseOrderId int) {
	invalidateMatchSummary(ctx, invoiceId, purchaseOrderId)
}

func invalidateMatchSummary(ctx context.Context, invoiceId int, purchaseOrderId int) {
	if err := config.RemoveRedisKey(ctx, matchSummaryKey(invoiceId)); err != nil {
		config.LogError(config.GetLogger(), "models", "invalidateMatchSummary", "remove summary", invoiceId, err)
	}
	if rdb := config.GetRedisDB(); rdb != nil && purchaseOrderId > 0 {
		_ = rdb.SRem(ctx, matchSummarySetKey(purchaseOrderId), matchSummaryKey(invoiceId)).Err()
	}
}

// InvalidatePurchaseOrderCaches drops the cached PO and every cached summary of its invoices.
func InvalidatePurchaseOrderCaches(ctx context.Context, purchaseOrderId int) {
	invalidatePurchaseOrderCaches(ctx, purchaseOrderId)
}

func invalidatePurchaseOrderCaches(ctx context.Context, purchaseOrderId int) {
	logger := config.GetLogger()
	if err := utils.RemoveRedisItem[PurchaseOrder](ctx, purchaseOrderId); err != nil {
		config.LogError(logger, "models", "invalidatePurchaseOrderCaches", "remove purchase order", purchaseOrderId, err)
	}
	if err := config.ClearRedisSet(ctx, matchSummarySetKey(purchaseOrderId)); err != nil {
		config.LogError(logger, "models", "invalidatePurchaseOrderCaches", "clear summaries", purchaseOrderId, err)
	}
}

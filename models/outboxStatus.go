package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"gorm.io/gorm"
)

// OutboxStatus is the API view of the latest outbox row for a document.
type OutboxStatus struct {
	RecordId             int                 `json:"record_id"`
	ReferenceType        OutboxReferenceType `json:"reference_type"`
	ReferenceId          int                 `json:"reference_id"`
	PublishStatus        string              `json:"publish_status"`
	ProcessingStatus     string              `json:"processing_status"`
	IsProcessed          bool                `json:"is_processed"`
	PublishAttempts      int                 `json:"publish_attempts"`
	ProcessAttempts      int                 `json:"process_attempts"`
	NextAttemptAt        *time.Time          `json:"next_attempt_at"`
	NextProcessAttemptAt *time.Time          `json:"next_process_attempt_at"`
	LastPublishError     *string             `json:"last_publish_error"`
	LastProcessError     *string             `json:"last_process_error"`
	CreatedAt            time.Time           `json:"created_at"`
	PublishedAt          *time.Time          `json:"published_at"`
	ProcessedAt          *time.Time          `json:"processed_at"`
}

func GetOutboxStatus(ctx context.Context, referenceType OutboxReferenceType, referenceId int) (*OutboxStatus, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	var rec PubSubMessageRecord
	if err := config.GetDB().WithContext(ctx).
		Where("business_id = ? AND reference_type = ? AND reference_id = ?", businessId, referenceType, referenceId).
		Order("id DESC").
		First(&rec).Error; err != nil {
		return nil, err
	}

	processing := rec.ProcessingStatus
	if rec.IsProcessed {
		processing = OutboxProcessStatusSucceeded
	} else if processing == "" {
		processing = OutboxProcessStatusPending
	}

	return &OutboxStatus{
		RecordId:             rec.ID,
		ReferenceType:        rec.ReferenceType,
		ReferenceId:          rec.ReferenceId,
		PublishStatus:        rec.PublishStatus,
		ProcessingStatus:     processing,
		IsProcessed:          rec.IsProcessed,
		PublishAttempts:      rec.PublishAttempts,
		ProcessAttempts:      rec.ProcessAttempts,
		NextAttemptAt:        rec.NextAttemptAt,
		NextProcessAttemptAt: rec.NextProcessAttemptAt,
		LastPublishError:     rec.LastPublishError,
		LastProcessError:     rec.LastProcessError,
		CreatedAt:            rec.CreatedAt,
		PublishedAt:          rec.PublishedAt,
		ProcessedAt:          rec.ProcessedAt,
	}, nil
}

// ReprocessOutbox puts every unprocessed row of a document back in the queue,
// including DEAD ones.
func ReprocessOutbox(ctx context.Context, referenceType OutboxReferenceType, referenceId int) (*OutboxStatus, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res := config.GetDB().WithContext(ctx).
		Model(&PubSubMessageRecord{}).
		Where("business_id = ? AND reference_type = ? AND reference_id = ? AND is_processed = 0", businessId, referenceType, referenceId).
		Updates(map[string]interface{}{
			"locked_at":               nil,
			"locked_by":               nil,
			"publish_status":          OutboxPublishStatusPending,
			"publish_attempts":        0,
			"next_attempt_at":         nil,
			"processing_status":       OutboxProcessStatusPending,
			"process_attempts":        0,
			"next_process_attempt_at": &now,
			"last_process_error":      nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return GetOutboxStatus(ctx, referenceType, referenceId)
}

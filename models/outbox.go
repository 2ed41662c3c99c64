package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
	"gorm.io/gorm"
)

// PubSubMessageRecord is the transactional outbox row. It is written in the
// same transaction as the document change and published after commit by the
// dispatcher.
type PubSubMessageRecord struct {
	ID              int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId      string              `gorm:"size:64;not null;index" json:"business_id"`
	EventDateTime   time.Time           `gorm:"index;not null" json:"event_date_time"`
	ReferenceId     int                 `gorm:"index:idx_outbox_ref,priority:2" json:"reference_id"`
	ReferenceType   OutboxReferenceType `gorm:"type:enum('DLV','INV','DSC','PO');index:idx_outbox_ref,priority:1" json:"reference_type"`
	PurchaseOrderId int                 `gorm:"index" json:"purchase_order_id"`
	Action          OutboxAction        `gorm:"type:enum('C','U','D')" json:"action"`
	NewObj          []byte              `gorm:"type:blob" json:"new_obj"`
	IsProcessed     bool                `gorm:"index;not null" json:"is_processed"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	ProcessingStatus     string     `gorm:"size:20;index;not null;default:'PENDING'" json:"processing_status"`
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index" json:"next_process_attempt_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt          *time.Time `gorm:"index" json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPubSubMessage(record PubSubMessageRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:              record.ID,
		BusinessId:      record.BusinessId,
		EventDateTime:   record.EventDateTime,
		ReferenceId:     record.ReferenceId,
		ReferenceType:   string(record.ReferenceType),
		Action:          string(record.Action),
		PurchaseOrderId: record.PurchaseOrderId,
		CorrelationId:   record.CorrelationId,
	}
}

// enqueueOutbox writes an outbox row inside tx. Nothing is published here.
func enqueueOutbox(tx *gorm.DB, refType OutboxReferenceType, refId int, purchaseOrderId int, action OutboxAction, obj interface{}) error {
	ctx := tx.Statement.Context
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return err
	}
	var payload []byte
	if obj != nil {
		payload, err = json.Marshal(obj)
		if err != nil {
			return err
		}
	}
	record := PubSubMessageRecord{
		BusinessId:       businessId,
		EventDateTime:    time.Now().UTC(),
		ReferenceId:      refId,
		ReferenceType:    refType,
		PurchaseOrderId:  purchaseOrderId,
		Action:           action,
		NewObj:           payload,
		PublishStatus:    OutboxPublishStatusPending,
		ProcessingStatus: OutboxProcessStatusPending,
		CorrelationId:    correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

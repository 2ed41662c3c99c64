package workflow

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ProcessRetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// GetProcessRetryConfig reads OUTBOX_PROCESS_MAX_ATTEMPTS,
// OUTBOX_PROCESS_BASE_BACKOFF_SECONDS and OUTBOX_PROCESS_MAX_BACKOFF_SECONDS.
func GetProcessRetryConfig() ProcessRetryConfig {
	cfg := ProcessRetryConfig{
		MaxAttempts: models.OutboxMaxProcessAttempts,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
	if n := positiveIntEnv("OUTBOX_PROCESS_MAX_ATTEMPTS"); n > 0 {
		cfg.MaxAttempts = n
	}
	if n := positiveIntEnv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS"); n > 0 {
		cfg.BaseBackoff = time.Duration(n) * time.Second
	}
	if n := positiveIntEnv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS"); n > 0 {
		cfg.MaxBackoff = time.Duration(n) * time.Second
	}
	return cfg
}

func positiveIntEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// retryBackoff is base * 2^(attempt-1), capped at limit.
func retryBackoff(attempt int, base time.Duration, limit time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

func markOutboxProcessing(db *gorm.DB, id int) {
	_ = db.Model(&models.PubSubMessageRecord{}).
		Where("id = ? AND processing_status <> ?", id, models.OutboxProcessStatusDead).
		Update("processing_status", models.OutboxProcessStatusProcessing).Error
}

// markOutboxProcessFailure records the error and schedules the next attempt.
// It reports whether the row is now DEAD.
func markOutboxProcessFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, cfg ProcessRetryConfig, m config.PubSubMessage, permanent bool, err error) bool {
	now := time.Now().UTC()
	errMsg := err.Error()

	var rec models.PubSubMessageRecord
	if qerr := db.WithContext(ctx).
		Select("id", "business_id", "reference_type", "reference_id", "process_attempts").
		Where("id = ?", m.ID).
		First(&rec).Error; qerr != nil {
		_ = db.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
			Where("id = ?", m.ID).
			Updates(map[string]interface{}{
				"last_process_error": &errMsg,
				"locked_at":          nil,
				"locked_by":          nil,
				"processing_status":  models.OutboxProcessStatusFailed,
			}).Error
		return false
	}

	attempts := rec.ProcessAttempts + 1
	status := models.OutboxProcessStatusFailed
	var nextAttemptAt *time.Time
	if permanent || attempts >= cfg.MaxAttempts {
		status = models.OutboxProcessStatusDead
	} else {
		t := now.Add(retryBackoff(attempts, cfg.BaseBackoff, cfg.MaxBackoff))
		nextAttemptAt = &t
	}

	_ = db.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("id = ?", m.ID).
		Updates(map[string]interface{}{
			"last_process_error":      &errMsg,
			"process_attempts":        attempts,
			"next_process_attempt_at": nextAttemptAt,
			"processing_status":       status,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":             "OutboxProcessing",
			"business_id":       rec.BusinessId,
			"reference_type":    rec.ReferenceType,
			"reference_id":      rec.ReferenceId,
			"record_id":         rec.ID,
			"processing_status": status,
			"process_attempts":  attempts,
			"correlation_id":    m.CorrelationId,
		}).Error("outbox processing failed: " + errMsg)
	}
	return status == models.OutboxProcessStatusDead
}

func markOutboxProcessSuccess(ctx context.Context, db *gorm.DB, logger *logrus.Logger, m config.PubSubMessage) {
	now := time.Now().UTC()
	_ = db.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("id = ? AND processing_status <> ?", m.ID, models.OutboxProcessStatusDead).
		Updates(map[string]interface{}{
			"is_processed":            true,
			"processing_status":       models.OutboxProcessStatusSucceeded,
			"processed_at":            &now,
			"next_process_attempt_at": nil,
			"last_process_error":      nil,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":             "OutboxProcessing",
			"business_id":       m.BusinessId,
			"reference_type":    m.ReferenceType,
			"reference_id":      m.ReferenceId,
			"record_id":         m.ID,
			"purchase_order_id": m.PurchaseOrderId,
			"correlation_id":    m.CorrelationId,
		}).Info("outbox processed successfully")
	}
}

package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDirectProcessor feeds unprocessed outbox rows to the Processor
// without going through Pub/Sub. Enabled with OUTBOX_DIRECT_PROCESSING=true.
type OutboxDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Processor *Processor
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxDirectProcessor(db *gorm.DB, logger *logrus.Logger, processor *Processor) *OutboxDirectProcessor {
	return &OutboxDirectProcessor{
		DB:        db,
		Logger:    logger,
		Processor: processor,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Processor == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.PubSubMessageRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("is_processed = 0").
			Where("processing_status IN ?", []string{models.OutboxProcessStatusPending, models.OutboxProcessStatusFailed, models.OutboxProcessStatusProcessing}).
			Where("(next_process_attempt_at IS NULL OR next_process_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, 0, len(claimed))
		for _, rec := range claimed {
			ids = append(ids, rec.ID)
		}
		return tx.Model(&models.PubSubMessageRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_at": &now,
				"locked_by": &p.WorkerID,
			}).Error
	})
	if err != nil {
		if p.Logger != nil {
			config.LogError(p.Logger, "workflow", "OutboxDirectProcessor", "claim outbox rows", p.WorkerID, err)
		}
		return
	}

	for _, rec := range claimed {
		// Failures are recorded on the row by ProcessMessage and retried on a later pass.
		_ = p.Processor.ProcessMessage(ctx, models.ConvertToPubSubMessage(rec))
	}
}

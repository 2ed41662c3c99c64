package models

// Outbox publish statuses for PubSubMessageRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Outbox processing statuses for PubSubMessageRecord.ProcessingStatus.
// These track the consumer side and are distinct from PublishStatus.
const (
	OutboxProcessStatusPending    = "PENDING"
	OutboxProcessStatusProcessing = "PROCESSING"
	OutboxProcessStatusSucceeded  = "SUCCEEDED"
	OutboxProcessStatusFailed     = "FAILED"
	OutboxProcessStatusDead       = "DEAD"
)

// OutboxMaxProcessAttempts is how many times a consumer retries a row before it is DEAD.
const OutboxMaxProcessAttempts = 8

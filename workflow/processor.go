package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const matchHandlerName = "match_events"

// ErrPermanent marks a message that can never succeed. Such rows go straight to DEAD.
var ErrPermanent = errors.New("permanent message failure")

// MatchHandler applies a matching event to the read side.
type MatchHandler interface {
	RematchPurchaseOrder(ctx context.Context, purchaseOrderId int) (int, error)
	InvalidatePurchaseOrder(ctx context.Context, purchaseOrderId int)
}

type modelsMatchHandler struct{}

func (modelsMatchHandler) RematchPurchaseOrder(ctx context.Context, purchaseOrderId int) (int, error) {
	return models.RematchInvoicesForPurchaseOrder(ctx, purchaseOrderId)
}

func (modelsMatchHandler) InvalidatePurchaseOrder(ctx context.Context, purchaseOrderId int) {
	models.InvalidatePurchaseOrderCaches(ctx, purchaseOrderId)
}

// Processor consumes outbox events, from Pub/Sub or straight from the table.
// Delivery events re-run matching for the PO's submitted invoices when
// AUTO_REMATCH_ON_DELIVERY is on; every other event only drops cached reads.
type Processor struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	Handler     MatchHandler
	Retry       ProcessRetryConfig
	AutoRematch func() bool
}

func NewProcessor(db *gorm.DB, logger *logrus.Logger) *Processor {
	return &Processor{
		DB:          db,
		Logger:      logger,
		Handler:     modelsMatchHandler{},
		Retry:       GetProcessRetryConfig(),
		AutoRematch: config.AutoRematchOnDelivery,
	}
}

// systemContext scopes the worker to the message's business and runs it as
// the system user, so history rows and tenant scoping behave as for a request.
func systemContext(ctx context.Context, msg config.PubSubMessage) context.Context {
	ctx = utils.SetUserInContext(ctx, msg.BusinessId, 0, "system", "System", string(models.UserRoleAdmin))
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	return ctx
}

func validateMessage(msg config.PubSubMessage) error {
	if msg.ID <= 0 {
		return fmt.Errorf("%w: outbox id is required", ErrPermanent)
	}
	if msg.BusinessId == "" {
		return fmt.Errorf("%w: business id is required", ErrPermanent)
	}
	if msg.PurchaseOrderId <= 0 {
		return fmt.Errorf("%w: purchase order id is required", ErrPermanent)
	}
	if _, err := models.ParseOutboxReferenceType(msg.ReferenceType); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPermanent, msg.ReferenceType, err)
	}
	return nil
}

// apply runs the event against the handler. It does no bookkeeping.
func (p *Processor) apply(ctx context.Context, msg config.PubSubMessage) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if models.OutboxReferenceType(msg.ReferenceType) == models.OutboxReferenceTypeDelivery &&
		p.AutoRematch != nil && p.AutoRematch() {
		matched, err := p.Handler.RematchPurchaseOrder(ctx, msg.PurchaseOrderId)
		if err != nil {
			return err
		}
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":             "MatchProcessor",
				"business_id":       msg.BusinessId,
				"purchase_order_id": msg.PurchaseOrderId,
				"delivery_id":       msg.ReferenceId,
				"invoices":          matched,
			}).Info("re-matched invoices after delivery change")
		}
		return nil
	}
	p.Handler.InvalidatePurchaseOrder(ctx, msg.PurchaseOrderId)
	return nil
}

// ProcessMessage handles one event at least once. A nil return means the
// message may be acked: it succeeded, was already handled, or is DEAD.
func (p *Processor) ProcessMessage(ctx context.Context, msg config.PubSubMessage) error {
	if err := validateMessage(msg); err != nil {
		if p.DB != nil && msg.ID > 0 {
			markOutboxProcessFailure(ctx, p.DB, p.Logger, p.Retry, msg, true, err)
		} else if p.Logger != nil {
			config.LogError(p.Logger, "workflow", "ProcessMessage", "drop malformed message", msg, err)
		}
		return nil
	}

	ctx = systemContext(ctx, msg)
	db := p.DB.WithContext(ctx)
	messageId := strconv.Itoa(msg.ID)

	skip, err := BeginIdempotency(db, msg.BusinessId, matchHandlerName, messageId)
	if err != nil {
		return err
	}
	if skip {
		markOutboxProcessSuccess(ctx, p.DB, p.Logger, msg)
		return nil
	}
	markOutboxProcessing(db, msg.ID)

	err = db.Connection(func(conn *gorm.DB) error {
		if err := AcquirePurchaseOrderLock(conn, msg.BusinessId, msg.PurchaseOrderId); err != nil {
			return err
		}
		defer ReleasePurchaseOrderLock(conn, msg.BusinessId, msg.PurchaseOrderId)
		return p.apply(ctx, msg)
	})
	if err != nil {
		if markErr := MarkIdempotencyFailed(db, msg.BusinessId, matchHandlerName, messageId, err); markErr != nil && p.Logger != nil {
			config.LogError(p.Logger, "workflow", "ProcessMessage", "mark idempotency failed", messageId, markErr)
		}
		if markOutboxProcessFailure(ctx, p.DB, p.Logger, p.Retry, msg, errors.Is(err, ErrPermanent), err) {
			return nil
		}
		return err
	}

	if err := MarkIdempotencySucceeded(db, msg.BusinessId, matchHandlerName, messageId); err != nil && p.Logger != nil {
		config.LogError(p.Logger, "workflow", "ProcessMessage", "mark idempotency succeeded", messageId, err)
	}
	markOutboxProcessSuccess(ctx, p.DB, p.Logger, msg)
	return nil
}

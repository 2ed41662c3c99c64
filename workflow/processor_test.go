package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMatchHandler struct {
	rematched   []int
	invalidated []int
	err         error
}

func (f *fakeMatchHandler) RematchPurchaseOrder(ctx context.Context, purchaseOrderId int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.rematched = append(f.rematched, purchaseOrderId)
	return 2, nil
}

func (f *fakeMatchHandler) InvalidatePurchaseOrder(ctx context.Context, purchaseOrderId int) {
	f.invalidated = append(f.invalidated, purchaseOrderId)
}

func newTestProcessor(h MatchHandler, autoRematch bool) *Processor {
	return &Processor{
		Handler:     h,
		Retry:       ProcessRetryConfig{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute},
		AutoRematch: func() bool { return autoRematch },
	}
}

func eventFor(refType string) config.PubSubMessage {
	return config.PubSubMessage{
		ID:              41,
		BusinessId:      "biz-1",
		ReferenceId:     7,
		ReferenceType:   refType,
		Action:          "C",
		PurchaseOrderId: 12,
		CorrelationId:   "corr-1",
	}
}

func TestApplyDeliveryRematchesWhenEnabled(t *testing.T) {
	h := &fakeMatchHandler{}
	p := newTestProcessor(h, true)

	require.NoError(t, p.apply(context.Background(), eventFor("DLV")))
	assert.Equal(t, []int{12}, h.rematched)
	assert.Empty(t, h.invalidated)
}

func TestApplyDeliveryOnlyInvalidatesWhenDisabled(t *testing.T) {
	h := &fakeMatchHandler{}
	p := newTestProcessor(h, false)

	require.NoError(t, p.apply(context.Background(), eventFor("DLV")))
	assert.Empty(t, h.rematched)
	assert.Equal(t, []int{12}, h.invalidated)
}

func TestApplyNonDeliveryEventsInvalidate(t *testing.T) {
	for _, refType := range []string{"INV", "DSC", "PO"} {
		t.Run(refType, func(t *testing.T) {
			h := &fakeMatchHandler{}
			p := newTestProcessor(h, true)

			require.NoError(t, p.apply(context.Background(), eventFor(refType)))
			assert.Empty(t, h.rematched)
			assert.Equal(t, []int{12}, h.invalidated)
		})
	}
}

func TestApplyPropagatesRematchError(t *testing.T) {
	boom := errors.New("lock timeout")
	p := newTestProcessor(&fakeMatchHandler{err: boom}, true)

	err := p.apply(context.Background(), eventFor("DLV"))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrPermanent)
}

func TestValidateMessageRejectsMalformedEvents(t *testing.T) {
	cases := map[string]func(*config.PubSubMessage){
		"missing id":             func(m *config.PubSubMessage) { m.ID = 0 },
		"missing business":       func(m *config.PubSubMessage) { m.BusinessId = "" },
		"missing purchase order": func(m *config.PubSubMessage) { m.PurchaseOrderId = 0 },
		"unknown reference type": func(m *config.PubSubMessage) { m.ReferenceType = "BILL" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			msg := eventFor("DLV")
			mutate(&msg)
			assert.ErrorIs(t, validateMessage(msg), ErrPermanent)
		})
	}
	assert.NoError(t, validateMessage(eventFor("DLV")))
}

func TestProcessMessageAcksMalformedEventWithoutStore(t *testing.T) {
	h := &fakeMatchHandler{}
	p := newTestProcessor(h, true)

	msg := eventFor("DLV")
	msg.ID = 0
	assert.NoError(t, p.ProcessMessage(context.Background(), msg))
	assert.Empty(t, h.rematched)
	assert.Empty(t, h.invalidated)
}

func TestSystemContextCarriesTenantAndCorrelation(t *testing.T) {
	ctx := systemContext(context.Background(), eventFor("INV"))

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "biz-1", businessId)

	userId, ok := utils.GetUserIdFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 0, userId)

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	assert.Equal(t, "corr-1", correlationId)
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	limit := time.Minute

	assert.Equal(t, base, retryBackoff(0, base, limit))
	assert.Equal(t, base, retryBackoff(1, base, limit))
	assert.Equal(t, 10*time.Second, retryBackoff(2, base, limit))
	assert.Equal(t, 40*time.Second, retryBackoff(4, base, limit))
	assert.Equal(t, limit, retryBackoff(5, base, limit))
	assert.Equal(t, limit, retryBackoff(50, base, limit))
}

func TestGetProcessRetryConfigReadsEnv(t *testing.T) {
	t.Setenv("OUTBOX_PROCESS_MAX_ATTEMPTS", "4")
	t.Setenv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS", "2")
	t.Setenv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS", "not-a-number")

	cfg := GetProcessRetryConfig()
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BaseBackoff)
	assert.Equal(t, 10*time.Minute, cfg.MaxBackoff)
}

func TestPurchaseOrderLockNameIsTenantScoped(t *testing.T) {
	assert.Equal(t, "match:biz-1:12", purchaseOrderLockName("biz-1", 12))
	assert.NotEqual(t, purchaseOrderLockName("biz-1", 12), purchaseOrderLockName("biz-2", 12))
}

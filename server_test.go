package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/matching"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func alwaysReady() bool { return true }

func newTestServer(process processFunc) *gin.Engine {
	return newRouter(routerOptions{Logger: config.GetLogger(), Ready: alwaysReady, Process: process})
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T) string {
	t.Helper()
	t.Setenv("API_SECRET", "test-secret")
	token, err := utils.JwtGenerate(7, "admin", "biz-1", time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func pushBody(t *testing.T, msg any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	envelope := map[string]any{
		"message":      map[string]any{"data": base64.StdEncoding.EncodeToString(data), "id": "pubsub-1"},
		"subscription": "projects/p/subscriptions/s",
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestHealthzBypassesReadiness(t *testing.T) {
	r := newRouter(routerOptions{Logger: config.GetLogger(), Ready: func() bool { return false }})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/suppliers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	w := serve(newTestServer(nil), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"route not found"}`, w.Body.String())
}

func TestAPIRoutesRequireAuthentication(t *testing.T) {
	r := newTestServer(nil)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/suppliers"},
		{http.MethodPost, "/invoices/1/approve"},
		{http.MethodGet, "/reports/discrepancy-register"},
		{http.MethodPost, "/discrepancies/3/evidence/sign"},
	} {
		w := serve(r, httptest.NewRequest(route.method, route.path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, route.path)
	}
}

func TestCorrelationIdIsEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("X-Correlation-Id", "corr-42")
	w := serve(newTestServer(nil), req)
	assert.Equal(t, "corr-42", w.Header().Get("X-Correlation-Id"))
}

func TestBadIdParamIs400(t *testing.T) {
	r := newTestServer(nil)
	auth := bearer(t)
	for _, path := range []string{"/invoices/abc", "/purchase-orders/0", "/discrepancies/-1"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", auth)
		w := serve(r, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestMalformedJSONIs400(t *testing.T) {
	r := newTestServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/invoices/5/reject", bytes.NewBufferString(`{"reason":`))
	req.Header.Set("Authorization", bearer(t))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/invoices/5/reject", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", bearer(t))
	w = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")
}

func TestSupplierMatchingReportRejectsBadDates(t *testing.T) {
	r := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/reports/supplier-matching?from_date=yesterday&to_date=2026-01-31", nil)
	req.Header.Set("Authorization", bearer(t))
	w := serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "from_date")
}

func TestOutboxReprocessNeedsAdmin(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := utils.JwtGenerate(8, "engineer", "biz-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/ops/outbox/INV/4/reprocess", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := serve(newTestServer(nil), req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEvidenceSignValidatesBeforeStorage(t *testing.T) {
	r := newTestServer(nil)
	auth := bearer(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing fields", `{"fileName":"a.jpg"}`},
		{"too large", `{"fileName":"a.jpg","mimeType":"image/jpeg","size":10485760}`},
		{"unsupported type", `{"fileName":"a.exe","mimeType":"application/x-msdownload","size":10}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/discrepancies/3/evidence/sign", bytes.NewBufferString(tc.body))
		req.Header.Set("Authorization", auth)
		w := serve(r, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.name)
	}
}

func TestEvidenceCompleteRejectsForeignObjectKey(t *testing.T) {
	r := newTestServer(nil)
	auth := bearer(t)
	for _, key := range []string{"biz-2/discrepancies/3/x.jpg", "biz-1/discrepancies/4/x.jpg", "biz-1/discrepancies/3/../../x.jpg"} {
		body := fmt.Sprintf(`{"objectKey":%q,"mimeType":"image/jpeg"}`, key)
		req := httptest.NewRequest(http.MethodPost, "/discrepancies/3/evidence/complete", bytes.NewBufferString(body))
		req.Header.Set("Authorization", auth)
		w := serve(r, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, key)
	}
}

func TestPubSubPushAcksMalformedMessages(t *testing.T) {
	called := false
	r := newTestServer(func(ctx context.Context, msg config.PubSubMessage) error {
		called = true
		return nil
	})

	w := serve(r, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewBufferString("not json")))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/pubsub", pushBody(t, map[string]any{"id": 1})))
	assert.Equal(t, http.StatusNoContent, w.Code, "missing business id and reference type")
	assert.False(t, called)
}

func TestPubSubPushProcessesAndReportsFailure(t *testing.T) {
	var got config.PubSubMessage
	fail := false
	r := newTestServer(func(ctx context.Context, msg config.PubSubMessage) error {
		got = msg
		if fail {
			return errors.New("db down")
		}
		return nil
	})
	msg := config.PubSubMessage{ID: 11, BusinessId: "biz-1", ReferenceType: "DLV", ReferenceId: 4, PurchaseOrderId: 9}

	w := serve(r, httptest.NewRequest(http.MethodPost, "/pubsub", pushBody(t, msg)))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 9, got.PurchaseOrderId)
	assert.Equal(t, "pubsub-1", got.CorrelationId, "push message id becomes the correlation id")

	fail = true
	w = serve(r, httptest.NewRequest(http.MethodPost, "/pubsub", pushBody(t, msg)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPubSubPushToken(t *testing.T) {
	t.Setenv("PUBSUB_PUSH_TOKEN", "s3cret")
	r := newTestServer(func(ctx context.Context, msg config.PubSubMessage) error { return nil })
	msg := config.PubSubMessage{ID: 1, BusinessId: "biz-1", ReferenceType: "INV", PurchaseOrderId: 2}

	w := serve(r, httptest.NewRequest(http.MethodPost, "/pubsub", pushBody(t, msg)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/pubsub?token=s3cret", pushBody(t, msg)))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestStatusForError(t *testing.T) {
	type sample struct {
		Name string `validate:"required"`
	}
	validationErr := validator.New().Struct(sample{})
	require.Error(t, validationErr)

	cases := []struct {
		err  error
		want int
	}{
		{validationErr, http.StatusBadRequest},
		{utils.ErrorRecordNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", gorm.ErrRecordNotFound), http.StatusNotFound},
		{models.ErrInvalidCredentials, http.StatusUnauthorized},
		{models.ErrNotAllowed, http.StatusForbidden},
		{fmt.Errorf("invoice 3: %w", models.ErrInvoiceApprovalBlocked), http.StatusConflict},
		{models.ErrInvalidStatusTransition, http.StatusConflict},
		{redislock.ErrNotObtained, http.StatusConflict},
		{fmt.Errorf("%w: lock:po:3 is busy, try again", redislock.ErrNotObtained), http.StatusConflict},
		{models.ErrDeliveryExceedsOrdered, http.StatusBadRequest},
		{&matching.InputIncompleteError{MaterialIds: []string{"4"}}, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
		{errors.New("purchase order must be approved"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}

func TestRespondErrorHidesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)

	respondError(c, "test", fmt.Errorf("query: %w", context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

func TestThumbnailObjectKey(t *testing.T) {
	assert.Equal(t, "biz/discrepancies/3/thumbnails/abc_photo.jpg", thumbnailObjectKey("biz/discrepancies/3/abc_photo.png"))
	assert.Equal(t, "biz/thumbnails/a.jpg", thumbnailObjectKey("biz/a.jpeg"))
}

func TestRenderThumbnailScalesTo200Wide(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 800, 400))
	for x := 0; x < 800; x++ {
		src.Set(x, 10, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	out, err := renderThumbnail(buf.Bytes())
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())

	_, err = renderThumbnail([]byte("not an image"))
	assert.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, splitAndTrim(" https://a.test, ,https://b.test "))
	assert.Nil(t, splitAndTrim("  "))
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clientdomain "github.com/takahq/takaops/internal/client/domain"
	"github.com/takahq/takaops/internal/clock"
	"github.com/takahq/takaops/internal/payment/domain"
	"github.com/takahq/takaops/internal/payment/service"
	"github.com/takahq/takaops/internal/reconcile"
)

type stubPaymentService struct {
	service.Service

	lastNotification domain.Notification
	err              error
}

func (s *stubPaymentService) IngestNotification(_ context.Context, n domain.Notification) (*reconcile.PaymentResult, error) {
	s.lastNotification = n
	if s.err != nil {
		return nil, s.err
	}
	return &reconcile.PaymentResult{}, nil
}

var testClockStart = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestRouter(stub *stubPaymentService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(Params{Log: zap.NewNop(), Clock: clock.NewFakeClock(testClockStart), Payments: stub})
	r := gin.New()
	r.POST("/webhooks/mpesa/validation", h.Validation)
	r.POST("/webhooks/mpesa/confirmation", h.Confirmation)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeAck(t *testing.T, w *httptest.ResponseRecorder) c2bResponse {
	t.Helper()
	var ack c2bResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	return ack
}

func confirmationPayload() C2BRequest {
	return C2BRequest{
		TransactionType:   "Pay Bill",
		TransID:           "SBC1KQX200",
		TransTime:         "20240310093000",
		TransAmount:       "1500.00",
		BusinessShortCode: "600986",
		BillRefNumber:     "res000401",
		MSISDN:            "2547xxxxx123",
		FirstName:         "Wanjiku",
		LastName:          "Kamau",
	}
}

func TestConfirmationParsesAndAcks(t *testing.T) {
	stub := &stubPaymentService{}
	r := newTestRouter(stub)

	w := postJSON(t, r, "/webhooks/mpesa/confirmation", confirmationPayload())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decodeAck(t, w).ResultCode)

	n := stub.lastNotification
	assert.Equal(t, "RES000401", n.AccountNumber)
	assert.Equal(t, "SBC1KQX200", n.ExternalTransactionID)
	assert.True(t, n.Amount.Equal(decimal.RequireFromString("1500.00")))
	assert.Equal(t, domain.MethodMpesa, n.Method)
	assert.Equal(t, "Wanjiku Kamau", n.PayerName)
	assert.Equal(t, 2024, n.ReceivedAt.Year())
}

func TestConfirmationFallsBackToClockWhenTransTimeUnusable(t *testing.T) {
	stub := &stubPaymentService{}
	r := newTestRouter(stub)

	payload := confirmationPayload()
	payload.TransTime = "not-a-timestamp"
	w := postJSON(t, r, "/webhooks/mpesa/confirmation", payload)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, stub.lastNotification.ReceivedAt.Equal(testClockStart))
}

func TestConfirmationAcksUnknownAccount(t *testing.T) {
	stub := &stubPaymentService{err: clientdomain.ErrUnknownAccount}
	r := newTestRouter(stub)

	w := postJSON(t, r, "/webhooks/mpesa/confirmation", confirmationPayload())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decodeAck(t, w).ResultCode)
}

func TestConfirmationAcksDuplicate(t *testing.T) {
	stub := &stubPaymentService{err: domain.ErrDuplicateTransaction}
	r := newTestRouter(stub)

	w := postJSON(t, r, "/webhooks/mpesa/confirmation", confirmationPayload())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decodeAck(t, w).ResultCode)
}

func TestConfirmationAcksMalformedBody(t *testing.T) {
	stub := &stubPaymentService{}
	r := newTestRouter(stub)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa/confirmation", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decodeAck(t, w).ResultCode)
	assert.Empty(t, stub.lastNotification.ExternalTransactionID)
}

func TestValidationAccepts(t *testing.T) {
	stub := &stubPaymentService{}
	r := newTestRouter(stub)

	w := postJSON(t, r, "/webhooks/mpesa/validation", confirmationPayload())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decodeAck(t, w).ResultCode)
	assert.Empty(t, stub.lastNotification.ExternalTransactionID)
}

package webhook

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/takahq/takaops/internal/clock"
	"github.com/takahq/takaops/internal/payment/domain"
	"github.com/takahq/takaops/internal/payment/service"
	"github.com/takahq/takaops/internal/ratelimit"
)

// C2BRequest is the Daraja C2B callback payload for both validation and
// confirmation.
type C2BRequest struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceNumber     string `json:"InvoiceNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	ThirdPartyTransID string `json:"ThirdPartyTransID"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

type c2bResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Handler terminates the M-Pesa C2B callbacks. Daraja retries anything
// that is not acknowledged, so both endpoints always answer ResultCode
// "0"; failures are logged and counted instead of surfaced.
type Handler struct {
	log      *zap.Logger
	clock    clock.Clock
	payments service.Service
	limiter  *ratelimit.WebhookLimiter
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Payments service.Service
	Limiter  *ratelimit.WebhookLimiter `optional:"true"`
}

func NewHandler(p Params) *Handler {
	return &Handler{
		log:      p.Log.Named("payment.webhook"),
		clock:    p.Clock,
		payments: p.Payments,
		limiter:  p.Limiter,
	}
}

// Validation answers the pre-payment check. Accounts are accepted here
// and verified at confirmation; only a throttled account is turned away,
// before any money moves.
func (h *Handler) Validation(c *gin.Context) {
	var req C2BRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("malformed validation payload", zap.Error(err))
		c.JSON(http.StatusOK, c2bResponse{ResultCode: "0", ResultDesc: "Accepted"})
		return
	}

	if !h.limiter.Allow(c.Request.Context(), strings.ToUpper(strings.TrimSpace(req.BillRefNumber))) {
		c.JSON(http.StatusOK, c2bResponse{ResultCode: "C2B00016", ResultDesc: "Rejected"})
		return
	}
	c.JSON(http.StatusOK, c2bResponse{ResultCode: "0", ResultDesc: "Accepted"})
}

// Confirmation ingests the completed payment.
func (h *Handler) Confirmation(c *gin.Context) {
	ack := c2bResponse{ResultCode: "0", ResultDesc: "Success"}

	var req C2BRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("malformed confirmation payload", zap.Error(err))
		c.JSON(http.StatusOK, ack)
		return
	}

	n, err := req.toNotification(h.clock.Now())
	if err != nil {
		h.log.Warn("unusable confirmation payload",
			zap.String("trans_id", req.TransID),
			zap.String("bill_ref", req.BillRefNumber),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, ack)
		return
	}

	if _, err := h.payments.IngestNotification(c.Request.Context(), n); err != nil {
		// Duplicates and unknown accounts are expected traffic here;
		// real failures ride on the error log and metrics.
		h.log.Info("confirmation not applied",
			zap.String("trans_id", req.TransID),
			zap.String("bill_ref", req.BillRefNumber),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusOK, ack)
}

func (r *C2BRequest) toNotification(now time.Time) (domain.Notification, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(r.TransAmount))
	if err != nil {
		return domain.Notification{}, err
	}

	receivedAt := now.UTC()
	if ts, err := time.Parse("20060102150405", r.TransTime); err == nil {
		receivedAt = ts.UTC()
	}

	name := strings.TrimSpace(strings.Join([]string{r.FirstName, r.MiddleName, r.LastName}, " "))
	return domain.Notification{
		AccountNumber:         strings.ToUpper(strings.TrimSpace(r.BillRefNumber)),
		Amount:                amount,
		ExternalTransactionID: strings.TrimSpace(r.TransID),
		Method:                domain.MethodMpesa,
		PayerName:             strings.Join(strings.Fields(name), " "),
		PayerPhone:            r.MSISDN,
		ReceivedAt:            receivedAt,
		Metadata: map[string]any{
			"transaction_type":    r.TransactionType,
			"business_short_code": r.BusinessShortCode,
			"org_account_balance": r.OrgAccountBalance,
		},
	}, nil
}

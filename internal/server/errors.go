package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	clientdomain "github.com/takahq/takaops/internal/client/domain"
	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
	overpaymentdomain "github.com/takahq/takaops/internal/overpayment/domain"
	paymentdomain "github.com/takahq/takaops/internal/payment/domain"
	"github.com/takahq/takaops/internal/reconcile"
)

type errorBody struct {
	Error string `json:"error"`
}

// respondError maps domain errors onto HTTP statuses. The webhook
// endpoints never use this; they acknowledge regardless.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, clientdomain.ErrClientNotFound),
		errors.Is(err, clientdomain.ErrUnknownAccount),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, overpaymentdomain.ErrOverpaymentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, clientdomain.ErrDuplicateClient),
		errors.Is(err, invoicedomain.ErrDuplicateInvoice),
		errors.Is(err, paymentdomain.ErrDuplicateTransaction):
		status = http.StatusConflict
	case errors.Is(err, invoicedomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidNotification),
		errors.Is(err, overpaymentdomain.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, reconcile.ErrAllocationInvariant):
		status = http.StatusInternalServerError
	}

	_ = c.Error(err)
	c.JSON(status, errorBody{Error: err.Error()})
}

func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	invoiceservice "github.com/takahq/takaops/internal/invoice/service"
)

func (s *Server) createInvoice(c *gin.Context) {
	var req invoiceservice.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	result, err := s.invoiceSvc.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"invoice":          result.Invoice,
		"payments_applied": result.PaymentsApplied,
		"credit_applied":   result.CreditApplied,
	})
}

func (s *Server) getInvoice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	inv, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) listClientInvoices(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	invoices, err := s.invoiceSvc.ListByClient(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

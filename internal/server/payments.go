package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	paymentservice "github.com/takahq/takaops/internal/payment/service"
)

func (s *Server) recordManualPayment(c *gin.Context) {
	var req paymentservice.ManualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	result, err := s.paymentSvc.RecordManual(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":          result.Payment,
		"allocations":      result.Allocations,
		"settled_invoices": len(result.SettledInvoices),
	})
}

func (s *Server) getPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listClientPayments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	payments, err := s.paymentSvc.History(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (s *Server) listPaymentAllocations(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	allocations, err := s.paymentSvc.Allocations(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations})
}

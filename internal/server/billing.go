package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// triggerBillingRun kicks one synchronous billing run. Safe to call
// repeatedly; generation is idempotent per client and period.
func (s *Server) triggerBillingRun(c *gin.Context) {
	if err := s.billingRuns.RunOnce(c.Request.Context()); err != nil {
		// Partial failure: some clients may have been billed.
		c.JSON(http.StatusMultiStatus, gin.H{
			"status": "completed_with_errors",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

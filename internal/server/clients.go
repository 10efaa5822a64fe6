package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	clientservice "github.com/takahq/takaops/internal/client/service"
)

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) createClient(c *gin.Context) {
	var req clientservice.CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	client, err := s.clientSvc.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, client)
}

func (s *Server) getClient(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	client, err := s.clientSvc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

func (s *Server) listClients(c *gin.Context) {
	limit, offset := pageParams(c)
	clients, err := s.clientSvc.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

func (s *Server) listClientOverpayments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	credits, err := s.credits.ListByClient(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	balance, err := s.credits.AvailableBalance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"overpayments":      credits,
		"available_balance": balance,
	})
}

func (s *Server) clientOverview(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	overview, err := s.invoiceSvc.Overview(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) clientStatement(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	statement, err := s.invoiceSvc.Statement(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statement)
}

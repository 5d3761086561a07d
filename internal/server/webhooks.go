package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/payments", s.handlePaymentWebhook)
}

func (s *Server) handlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	receipt, err := s.webhookSvc.HandleEvent(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	payoutdomain "github.com/smallbiznis/commissary/internal/payout/domain"
	"github.com/smallbiznis/commissary/pkg/db/pagination"
)

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")

	admin.POST("/affiliates", s.handleRegisterAffiliate)
	admin.GET("/affiliates/:userID/summary", s.handleAffiliateSummary)
	admin.GET("/affiliates/:userID/balance", s.handleAffiliateBalance)
	admin.POST("/affiliates/:userID/balance/replay", s.handleReplayBalance)
	admin.GET("/affiliates/:userID/commissions", s.handleListCommissions)
	admin.POST("/affiliates/:userID/payouts", s.handleRequestPayout)

	admin.GET("/payouts/:requestID", s.handleGetPayout)
	admin.POST("/payouts/:requestID/retry", s.handleRetryPayout)

	admin.POST("/maturation/run", s.handleRunMaturation)
}

type registerAffiliateRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	PayoutAccountID string `json:"payout_account_id"`
}

func (s *Server) handleRegisterAffiliate(c *gin.Context) {
	var req registerAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, affiliatedomain.ErrInvalidUser)
		return
	}

	account, err := s.affiliateSvc.Register(c.Request.Context(), affiliatedomain.RegisterAccountRequest{
		UserID:          req.UserID,
		PayoutAccountID: req.PayoutAccountID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) handleAffiliateSummary(c *gin.Context) {
	summary, err := s.affiliateSvc.Summary(c.Request.Context(), c.Param("userID"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currencies": summary})
}

func (s *Server) handleAffiliateBalance(c *gin.Context) {
	currency := c.Query("currency")
	cents, err := s.affiliateSvc.GetBalance(c.Request.Context(), c.Param("userID"), currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":      currency,
		"balance_cents": cents,
	})
}

func (s *Server) handleReplayBalance(c *gin.Context) {
	currency := c.Query("currency")
	cents, err := s.affiliateSvc.ReplayBalance(c.Request.Context(), c.Param("userID"), currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":       currency,
		"replayed_cents": cents,
	})
}

func (s *Server) handleListCommissions(c *gin.Context) {
	ctx := c.Request.Context()
	account, err := s.affiliateSvc.GetByUserID(ctx, c.Param("userID"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	_ = c.ShouldBindQuery(&page)
	filter := commissiondomain.ListFilter{
		AccountID: account.ID,
		InvoiceID: c.Query("invoice_id"),
		Status:    commissiondomain.EntryStatus(c.Query("status")),
		Currency:  c.Query("currency"),
		// Over-fetch one row to learn whether another page exists.
		Limit: page.Limit() + 1,
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			AbortWithError(c, commissiondomain.ErrInvalidPageToken)
			return
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			AbortWithError(c, commissiondomain.ErrInvalidPageToken)
			return
		}
		filter.BeforeID = snowflake.ID(id)
	}

	entries, err := s.commissionSvc.List(ctx, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	entries, pageInfo := pagination.BuildPage(entries, page.Limit(), func(e *commissiondomain.CommissionEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID.String()})
		return token
	})
	c.JSON(http.StatusOK, gin.H{"entries": entries, "page_info": pageInfo})
}

type requestPayoutRequest struct {
	Currency string `json:"currency" binding:"required"`
}

func (s *Server) handleRequestPayout(c *gin.Context) {
	var req requestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, affiliatedomain.ErrInvalidCurrency)
		return
	}

	request, err := s.payoutSvc.RequestPayout(c.Request.Context(), c.Param("userID"), req.Currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (s *Server) handleGetPayout(c *gin.Context) {
	requestID, err := parseRequestID(c.Param("requestID"))
	if err != nil {
		AbortWithError(c, payoutdomain.ErrRequestNotFound)
		return
	}
	request, err := s.payoutSvc.Get(c.Request.Context(), requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (s *Server) handleRetryPayout(c *gin.Context) {
	requestID, err := parseRequestID(c.Param("requestID"))
	if err != nil {
		AbortWithError(c, payoutdomain.ErrRequestNotFound)
		return
	}
	request, err := s.payoutSvc.RetryPayout(c.Request.Context(), requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (s *Server) handleRunMaturation(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	result, err := s.scheduler.MatureBatch(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseRequestID(raw string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return snowflake.ID(id), nil
}

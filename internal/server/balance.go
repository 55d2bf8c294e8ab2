package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
)

func (s *Server) Track(c *gin.Context) {
	var req balancedomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if code := strings.TrimSpace(req.FeatureCode); code != "" {
		c.Set("feature_code", code)
	}

	resp, err := s.balanceSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetBalances(c *gin.Context) {
	req := balancedomain.GetBalancesRequest{
		CustomerID: c.Param("customer_id"),
		EntityID:   c.Query("entity_id"),
	}

	balances, err := s.balanceSvc.GetBalances(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) InvalidateCache(c *gin.Context) {
	if err := s.balanceSvc.Invalidate(c.Request.Context(), c.Param("customer_id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tallylabs/tally/internal/orgcontext"
	"go.uber.org/zap"
)

// OrgContextMiddleware resolves the request's organization and environment
// scope. The org comes from the X-Org-Id header, falling back to the
// configured default; the environment from X-Env.
func (s *Server) OrgContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := s.cfg.DefaultOrgID
		if raw := strings.TrimSpace(c.GetHeader("X-Org-Id")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				AbortWithError(c, ErrInvalidRequest)
				return
			}
			orgID = parsed
		}
		if orgID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		if env := strings.TrimSpace(c.GetHeader("X-Env")); env != "" {
			ctx = orgcontext.WithEnv(ctx, env)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RateLimitMiddleware throttles track calls per organization. Limiter
// trouble admits the request; throttling must never take the endpoint
// down with it.
func (s *Server) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		res, err := s.limiter.AllowOrg(c.Request.Context(), orgID)
		if err != nil {
			s.log.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limit_exceeded",
			})
			return
		}
		c.Next()
	}
}

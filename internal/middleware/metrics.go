package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/service"
)

// Request audiences used as the metrics label.
const (
	AudiencePublic  = "public"
	AudienceStudent = "student"
	AudienceAdmin   = "admin"
)

const unmatchedRoute = "unmatched"

// Metrics records latency per route template and caller audience, so student
// enrollment traffic is reported apart from admin operations.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		// raw paths would give every unknown URL its own series
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, requestAudience(c), c.Writer.Status(), time.Since(start))
	}
}

func requestAudience(c *gin.Context) string {
	value, ok := c.Get(ContextUserKey)
	if !ok {
		return AudiencePublic
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok || claims == nil {
		return AudiencePublic
	}
	switch claims.Role {
	case models.RoleAdmin, models.RoleSuperAdmin:
		return AudienceAdmin
	case models.RoleStudent:
		return AudienceStudent
	default:
		return AudiencePublic
	}
}

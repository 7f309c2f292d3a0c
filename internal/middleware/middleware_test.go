package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/service"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

type validatorStub struct {
	claims *models.JWTClaims
}

func (v validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return v.claims, nil
}

func newProtectedRouter(claims *models.JWTClaims, roles ...models.UserRole) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", JWT(validatorStub{claims: claims}), RequireRoles(roles...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestJWTRejectsMissingAndInvalidTokens(t *testing.T) {
	r := newProtectedRouter(&models.JWTClaims{UserID: "s1", Role: models.RoleStudent}, models.RoleStudent)

	cases := map[string]string{
		"missing":    "",
		"bad scheme": "Basic abc",
		"bad token":  "Bearer nope",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireRoles(t *testing.T) {
	student := &models.JWTClaims{UserID: "s1", Role: models.RoleStudent}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer good")
	newProtectedRouter(student, models.RoleAdmin, models.RoleSuperAdmin).ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	newProtectedRouter(student, models.RoleStudent).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 3; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	}
	assert.Equal(t, uint64(3), metrics.Snapshot().Requests)
}

func TestMetricsMiddlewareLabelsAudience(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	withRole := func(role models.UserRole) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(ContextUserKey, &models.JWTClaims{UserID: "u1", Role: role})
		}
	}
	r.POST("/me/selection", withRole(models.RoleStudent), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.DELETE("/admin/selections/:studentId", withRole(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/me/selection", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/admin/selections/s1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `http_requests_total{audience="student",method="POST",path="/me/selection",status="200"} 1`)
	assert.Contains(t, body, `http_requests_total{audience="admin",method="DELETE",path="/admin/selections/:studentId",status="200"} 1`)
	assert.Contains(t, body, `http_requests_total{audience="public",method="GET",path="unmatched",status="404"} 1`)
	assert.NotContains(t, body, "/nope/123")
}

func TestAuditLogsSuccessfulAdminActions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	})
	r.DELETE("/selections/:studentId", Audit(zap.New(core), "selection.reset"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.DELETE("/vendors/:id", Audit(zap.New(core), "vendor.delete"), func(c *gin.Context) {
		c.Status(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/selections/s1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/vendors/v1", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "selection.reset", fields["action"])
	assert.Equal(t, "admin-1", fields["user_id"])
	assert.Equal(t, "s1", fields["param_studentId"])
}

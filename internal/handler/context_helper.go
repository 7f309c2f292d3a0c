package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cca-portal-api/internal/middleware"
	"github.com/noah-isme/cca-portal-api/internal/models"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
	"github.com/noah-isme/cca-portal-api/pkg/response"
)

// callerClaims returns the claims stored by the JWT middleware, or nil.
func callerClaims(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, _ := value.(*models.JWTClaims)
	return claims
}

// requireCaller writes 401 when the request carries no caller.
func requireCaller(c *gin.Context) (*models.JWTClaims, bool) {
	claims := callerClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}

// requireStudent resolves the caller into the identity written onto selection records.
func requireStudent(c *gin.Context) (models.Identity, bool) {
	claims, ok := requireCaller(c)
	if !ok {
		return models.Identity{}, false
	}
	return models.IdentityFromClaims(claims), true
}

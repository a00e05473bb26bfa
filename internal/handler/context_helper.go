package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/chattar-api/internal/middleware"
	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
	"github.com/noah-isme/chattar-api/pkg/response"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// currentUserID returns the authenticated subject or writes a 401.
func currentUserID(c *gin.Context) (string, bool) {
	claims := claimsFromContext(c)
	if claims == nil || claims.Subject == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return "", false
	}
	return claims.Subject, true
}

func clientMeta(c *gin.Context) models.ClientMeta {
	return models.ClientMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

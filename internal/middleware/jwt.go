package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
	"github.com/noah-isme/chattar-api/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

// Session cookie names.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// AccessVerifier validates access tokens.
type AccessVerifier interface {
	VerifyAccess(token string) (*models.JWTClaims, error)
}

// JWT protects routes by requiring a valid access token, read from the
// access cookie or an Authorization bearer header.
func JWT(verifier AccessVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := authenticate(c, verifier)
		if err != nil {
			response.Abort(c, err)
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// OptionalJWT attaches claims when a valid access token is present but does
// not block anonymous requests.
func OptionalJWT(verifier AccessVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, err := authenticate(c, verifier); err == nil {
			c.Set(ContextUserKey, claims)
		}
		c.Next()
	}
}

// authenticate tries the access cookie first. A cookie that fails
// verification falls through to the bearer header when one is sent.
func authenticate(c *gin.Context, verifier AccessVerifier) (*models.JWTClaims, error) {
	bearer, headerErr := bearerToken(c)

	if cookie, err := c.Cookie(AccessTokenCookie); err == nil && cookie != "" {
		claims, err := verifier.VerifyAccess(cookie)
		if err == nil {
			return claims, nil
		}
		if bearer == "" {
			return nil, err
		}
	}

	if headerErr != nil {
		return nil, headerErr
	}
	if bearer == "" {
		return nil, appErrors.ErrUnauthorized
	}
	return verifier.VerifyAccess(bearer)
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

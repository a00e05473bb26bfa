package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

type stubVerifier struct {
	valid map[string]string
	seen  []string
}

func (s *stubVerifier) VerifyAccess(token string) (*models.JWTClaims, error) {
	s.seen = append(s.seen, token)
	if userID, ok := s.valid[token]; ok {
		return &models.JWTClaims{UserID: userID, Type: models.TokenTypeAccess}, nil
	}
	return nil, appErrors.Wrap(errors.New("bad token"), appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired access token")
}

func newProtectedRouter(verifier AccessVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWT(verifier), func(c *gin.Context) {
		claims := c.MustGet(ContextUserKey).(*models.JWTClaims)
		c.String(http.StatusOK, claims.UserID)
	})
	return r
}

func TestJWTAcceptsCookie(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]string{"good": "user-1"}}
	r := newProtectedRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "good"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())
}

func TestJWTAcceptsBearerHeader(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]string{"good": "user-1"}}
	r := newProtectedRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTCookieTakesPrecedence(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]string{"cookie": "user-1", "header": "user-2"}}
	r := newProtectedRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "cookie"})
	req.Header.Set("Authorization", "Bearer header")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "user-1", w.Body.String())
}

func TestJWTRejects(t *testing.T) {
	cases := map[string]func(*http.Request){
		"missing":        func(*http.Request) {},
		"malformed":      func(r *http.Request) { r.Header.Set("Authorization", "Token good") },
		"invalid token":  func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad") },
		"invalid cookie": func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "bad"}) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			r := newProtectedRouter(&stubVerifier{valid: map[string]string{"good": "user-1"}})
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

func TestJWTFallsBackToBearerWhenCookieInvalid(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]string{"header": "user-2"}}
	r := newProtectedRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "expired"})
	req.Header.Set("Authorization", "Bearer header")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-2", w.Body.String())
	assert.Equal(t, []string{"expired", "header"}, verifier.seen)
}

func TestJWTInvalidCookieAndMalformedHeader(t *testing.T) {
	r := newProtectedRouter(&stubVerifier{valid: map[string]string{"good": "user-1"}})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "expired"})
	req.Header.Set("Authorization", "Token good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOptionalJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/logout", OptionalJWT(&stubVerifier{valid: map[string]string{"good": "user-1"}}), func(c *gin.Context) {
		value, ok := c.Get(ContextUserKey)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, value.(*models.JWTClaims).UserID)
	})

	cases := map[string]struct {
		setup func(*http.Request)
		want  string
	}{
		"no token":       {func(*http.Request) {}, "anonymous"},
		"valid cookie":   {func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "good"}) }, "user-1"},
		"invalid cookie": {func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "bad"}) }, "anonymous"},
		"malformed":      {func(r *http.Request) { r.Header.Set("Authorization", "Token good") }, "anonymous"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/logout", nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.want, w.Body.String())
		})
	}
}

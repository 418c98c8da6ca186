package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	tok, err := NewToken(secret, 42, 5)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.UserId)
	require.Equal(t, "42", claims.Subject)
}

func TestParseTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	tok, err := NewToken(secret, 1, 5)
	require.NoError(t, err)
	_, err = ParseToken("other", tok)
	require.Error(t, err)

	expired, err := NewToken(secret, 1, -1)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	require.Error(t, err)
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	claims := Claims{
		UserId: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    issuer,
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(secret, unsigned)
	require.Error(t, err)

	claims.Issuer = "someone-else"
	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(secret, other)
	require.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("squat-rack")
	require.NoError(t, err)
	require.NoError(t, CheckPassword(hash, "squat-rack"))
	require.Error(t, CheckPassword(hash, "bench"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTMiddleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": MustUserID(c)})
	})

	do := func(header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusUnauthorized, do("").Code)
	require.Equal(t, http.StatusUnauthorized, do("Bearer garbage").Code)

	tok, err := NewToken(secret, 7, 5)
	require.NoError(t, err)
	w := do("Bearer " + tok)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"uid":7}`, w.Body.String())
}

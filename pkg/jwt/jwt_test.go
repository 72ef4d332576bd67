package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	secretKey := "test-secret-key"
	service := NewService(secretKey, WithIssuer("mailflow-users"), WithAudience("mailflow"), WithTTL(time.Minute))

	assert.NotNil(t, service)
	assert.Equal(t, []byte(secretKey), service.secretKey)
	assert.Equal(t, "mailflow-users", service.issuer)
	assert.Equal(t, time.Minute, service.ttl)
}

func TestGenerateAndValidateToken_RoundTrip(t *testing.T) {
	service := NewService("test-secret-key", WithIssuer("mailflow-users"), WithAudience("mailflow"))

	token, err := service.GenerateToken("user-456", "user")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-456", claims.UserID)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, "user-456", claims.Subject)
	assert.True(t, time.Now().Before(claims.ExpiresAt.Time))
}

func TestValidateToken_InvalidToken(t *testing.T) {
	service := NewService("test-secret-key")

	_, err := service.ValidateToken("invalid-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = service.ValidateToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewService("secret-key-1").GenerateToken("user-123", "user")
	require.NoError(t, err)

	_, err = NewService("secret-key-2").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	token, err := NewService("k", WithAudience("other")).GenerateToken("user-123", "user")
	require.NoError(t, err)

	_, err = NewService("k", WithAudience("mailflow")).ValidateToken(token)
	assert.Error(t, err)
}

func expiredToken(t *testing.T, secret string) string {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	claims := &Claims{
		UserID: "user-123",
		Role:   "user",
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(past.Add(-time.Minute)),
			ExpiresAt: gojwt.NewNumericDate(past),
		},
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	service := NewService("test-secret-key")
	_, err := service.ValidateToken(expiredToken(t, "test-secret-key"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalFromExpiredToken(t *testing.T) {
	service := NewService("test-secret-key")

	claims, err := service.PrincipalFromExpiredToken(expiredToken(t, "test-secret-key"))
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)

	_, err = service.PrincipalFromExpiredToken(expiredToken(t, "another-key"))
	assert.Error(t, err)
}

func TestValidateToken_UnexpectedSigningMethod(t *testing.T) {
	claims := &Claims{
		UserID: "user-123",
		RegisteredClaims: gojwt.RegisteredClaims{
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, claims).SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewService("test-secret-key").ValidateToken(token)
	assert.Error(t, err)
}

func TestGenerateRefreshToken(t *testing.T) {
	a, err := GenerateRefreshToken()
	require.NoError(t, err)
	b, err := GenerateRefreshToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

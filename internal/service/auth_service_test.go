package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

func newAuthServiceForTest() *AuthService {
	return NewAuthService(zap.NewNop(), AuthConfig{
		AccessTokenSecret: "secret",
		AccessTokenExpiry: time.Minute,
		Issuer:            "sma-identity",
		Audience:          []string{"discipline"},
	})
}

func TestValidateTokenRoundTrip(t *testing.T) {
	svc := newAuthServiceForTest()
	token, expiresAt, err := svc.IssueToken("user-1", models.RoleCoordinator, "coord@example.com")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleCoordinator, claims.Role)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc := newAuthServiceForTest()
	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "other", Issuer: "sma-identity", Audience: []string{"discipline"}})
	token, _, err := other.IssueToken("user-1", models.RoleAdmin, "")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))
}

func TestValidateTokenRejectsExpiredAndForeignIssuer(t *testing.T) {
	svc := newAuthServiceForTest()
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		UserID: "user-1",
		Role:   models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sma-identity",
			Audience:  []string{"discipline"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(signed)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))

	foreign := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "elsewhere", Audience: []string{"discipline"}})
	token, _, err := foreign.IssueToken("user-1", models.RoleAdmin, "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))
}

func TestValidateTokenRequiresSubject(t *testing.T) {
	svc := newAuthServiceForTest()
	token, _, err := svc.IssueToken("", models.RoleAdmin, "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))
}

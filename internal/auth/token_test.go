package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy-0123456789"

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, 15*time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	token, err := issuer.Issue(42, RoleAdmin, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), token.ExpiresAt)

	principal, err := issuer.Validate(token.Token, now.Add(14*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: 42, Role: RoleAdmin}, principal)
}

func TestTokenIssuerExpired(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	token, err := issuer.Issue(1, RoleUser, now)
	require.NoError(t, err)

	_, err = issuer.Validate(token.Token, now.Add(2*time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	assert.True(t, errors.Is(err, ErrTokenExpired))
}

func TestTokenIssuerRejectsForeignSecret(t *testing.T) {
	now := time.Now()
	token, err := NewTokenIssuer("another-secret", time.Minute).Issue(1, RoleUser, now)
	require.NoError(t, err)

	_, err = NewTokenIssuer(testSecret, time.Minute).Validate(token.Token, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.NotErrorIs(t, err, ErrTokenExpired)
}

func TestTokenIssuerRejectsTamperedClaims(t *testing.T) {
	now := time.Now()
	sign := func(claims accessClaims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	base := func() accessClaims {
		return accessClaims{
			Role: string(RoleUser),
			Type: accessTokenType,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "7",
				Issuer:    defaultIssuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}
	}

	wrongType := base()
	wrongType.Type = "refresh"
	unknownRole := base()
	unknownRole.Role = "ROOT"
	badSubject := base()
	badSubject.Subject = "alice"
	noExpiry := base()
	noExpiry.ExpiresAt = nil
	wrongIssuer := base()
	wrongIssuer.Issuer = "someone-else"

	cases := map[string]string{
		"wrong type":   sign(wrongType, jwt.SigningMethodHS256, []byte(testSecret)),
		"unknown role": sign(unknownRole, jwt.SigningMethodHS256, []byte(testSecret)),
		"bad subject":  sign(badSubject, jwt.SigningMethodHS256, []byte(testSecret)),
		"no expiry":    sign(noExpiry, jwt.SigningMethodHS256, []byte(testSecret)),
		"wrong issuer": sign(wrongIssuer, jwt.SigningMethodHS256, []byte(testSecret)),
		"wrong alg":    sign(base(), jwt.SigningMethodHS512, []byte(testSecret)),
		"none alg":     sign(base(), jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType),
		"garbage":      "not.a.jwt",
		"empty":        "",
	}

	issuer := NewTokenIssuer(testSecret, time.Minute)
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Validate(token, now)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenIssuerRejectsUnknownRoleOnIssue(t *testing.T) {
	_, err := NewTokenIssuer(testSecret, time.Minute).Issue(1, Role("ROOT"), time.Now())
	assert.Error(t, err)
}

func TestNewTokenIssuerDefaultTTL(t *testing.T) {
	assert.Equal(t, defaultAccessTTL, NewTokenIssuer(testSecret, 0).TTL())
}

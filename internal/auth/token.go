package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "secure-store"
	accessTokenType = "access"
)

type accessClaims struct {
	Role string `json:"role"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates stateless HS256 access tokens. Validation
// never touches storage.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: defaultIssuer,
	}
}

func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

func (i *TokenIssuer) Issue(userID int64, role Role, issuedAt time.Time) (AccessToken, error) {
	if !role.Valid() {
		return AccessToken{}, fmt.Errorf("issue access token: unknown role %q", role)
	}

	issuedAt = issuedAt.UTC()
	expiresAt := issuedAt.Add(i.ttl)
	claims := accessClaims{
		Role: string(role),
		Type: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(i.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign jwt: %w", err)
	}

	return AccessToken{Token: encoded, ExpiresAt: expiresAt}, nil
}

// Validate checks signature, algorithm, token type and expiry against now.
// An expired token yields an error matching both ErrInvalidToken and
// ErrTokenExpired.
func (i *TokenIssuer) Validate(tokenStr string, now time.Time) (Principal, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
		}
		return Principal{}, ErrInvalidToken
	}
	if !token.Valid || claims.Type != accessTokenType {
		return Principal{}, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, ErrInvalidToken
	}
	role := Role(claims.Role)
	if !role.Valid() {
		return Principal{}, ErrInvalidToken
	}

	return Principal{UserID: userID, Role: role}, nil
}

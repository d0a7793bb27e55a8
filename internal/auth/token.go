//go:generate go run go.uber.org/mock/mockgen -source=token.go -destination=../mocks/mock_auth.go -package=mocks

// Package auth is the relay's identity provider: it issues and validates
// signed bearer tokens and hashes account passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
)

// Authenticator resolves a bearer credential to a user identity.
type Authenticator interface {
	Validate(ctx context.Context, token string) (uuid.UUID, error)
}

// Claims is the payload carried by relay tokens. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWT issues and validates HS256 tokens.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWT creates a token service. The secret must not be empty.
func NewJWT(secret, issuer string, ttl time.Duration) (*JWT, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed token for userID.
func (j *JWT) Issue(userID uuid.UUID) (string, error) {
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses token, checks signature, expiry and issuer, and returns
// the subject. Every failure is reported as apperror.ErrAuthDenied.
func (j *JWT) Validate(_ context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, apperror.ErrAuthDenied.WithMessage("missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, apperror.ErrAuthDenied.WithMessage("token expired").WithError(err)
		}
		return uuid.Nil, apperror.ErrAuthDenied.WithMessage("invalid token").WithError(err)
	}
	if !parsed.Valid {
		return uuid.Nil, apperror.ErrAuthDenied.WithMessage("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, apperror.ErrAuthDenied.WithMessage("invalid subject").WithError(err)
	}
	return userID, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. It returns "" when the header has another scheme.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

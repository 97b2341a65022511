// Package identity resolves callers from bearer tokens and creates user
// profiles when the identity provider confirms a new user.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sdrdh/guessgame/internal/game"
)

// Verifier checks HS256 tokens issued by the identity provider. The sub
// claim is the user id.
type Verifier struct {
	Secret []byte
	Issuer string
}

func NewVerifier(secret, issuer string) Verifier {
	return Verifier{Secret: []byte(secret), Issuer: issuer}
}

// Verify returns the user id carried by token. Every failure wraps
// game.ErrUnauthorized.
func (v Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing bearer token: %w", game.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %v: %w", err, game.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid token: %w", game.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", game.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Sign issues a token for userID valid for ttl. Used by tests and local tooling.
func (v Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("sign: empty user id")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type ctxKey int

const userIDKey ctxKey = 1

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns "" when the caller is anonymous.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/identity"
)

func TestVerifierRoundTrip(t *testing.T) {
	v := identity.NewVerifier("s3cret", "guessgame-idp")
	token, err := v.Sign("user-1", time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifierRejects(t *testing.T) {
	v := identity.NewVerifier("s3cret", "guessgame-idp")

	sign := func(method jwt.SigningMethod, secret string, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "guessgame-idp",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"
	noSubject := valid()
	noSubject.Subject = ""

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong secret": sign(jwt.SigningMethodHS256, "other", valid()),
		"wrong alg":    sign(jwt.SigningMethodHS512, "s3cret", valid()),
		"expired":      sign(jwt.SigningMethodHS256, "s3cret", expired),
		"other issuer": sign(jwt.SigningMethodHS256, "s3cret", otherIssuer),
		"no subject":   sign(jwt.SigningMethodHS256, "s3cret", noSubject),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, game.ErrUnauthorized))
		})
	}
}

func TestVerifierWithoutIssuerAcceptsAny(t *testing.T) {
	signer := identity.NewVerifier("s3cret", "anyone")
	token, err := signer.Sign("user-2", time.Minute)
	require.NoError(t, err)

	userID, err := identity.NewVerifier("s3cret", "").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", userID)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", identity.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", identity.BearerToken("  bearer   abc "))
	assert.Equal(t, "", identity.BearerToken("Basic abc"))
	assert.Equal(t, "", identity.BearerToken("abc"))
	assert.Equal(t, "", identity.BearerToken(""))
}

func TestUserIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", identity.UserIDFromContext(ctx))
	assert.Equal(t, "user-1", identity.UserIDFromContext(identity.WithUserID(ctx, "user-1")))
}

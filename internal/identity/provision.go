package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const provisionTimeout = 5 * time.Second

type tokenVerifier interface {
	Verify(token string) (string, error)
}

// ProvisioningVerifier creates a profile for every caller it verifies. It
// stands in for the confirmation stream when no NATS server is configured,
// which only the memory backend allows.
type ProvisioningVerifier struct {
	verifier tokenVerifier
	users    UserCreator
	known    sync.Map // user id -> struct{}
	logger   zerolog.Logger
}

func NewProvisioningVerifier(verifier tokenVerifier, users UserCreator, logger zerolog.Logger) *ProvisioningVerifier {
	return &ProvisioningVerifier{verifier: verifier, users: users, logger: logger}
}

// Verify verifies token, then creates the caller's profile if this verifier
// has not seen them yet. The profile carries no email.
func (p *ProvisioningVerifier) Verify(token string) (string, error) {
	userID, err := p.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	if _, ok := p.known.Load(userID); ok {
		return userID, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	_, created, err := p.users.CreateUser(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("provision profile %s: %w", userID, err)
	}
	p.known.Store(userID, struct{}{})
	if created {
		p.logger.Info().Str("user_id", userID).Msg("profile provisioned on first request")
	}
	return userID, nil
}

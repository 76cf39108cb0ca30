package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/repository"
)

var ErrTokenInvalid = errors.New("bootstrap token is invalid, used, or expired")

// TokenService mints and redeems single-use bootstrap tokens for agent
// registration.
type TokenService struct {
	tokens repository.TokenRepository
	ttl    time.Duration
}

func NewTokenService(tokens repository.TokenRepository, ttl time.Duration) *TokenService {
	return &TokenService{tokens: tokens, ttl: ttl}
}

// Mint creates a fresh token bound to a server name. The name is advisory:
// registration takes the name the agent sends.
func (s *TokenService) Mint(serverName string) (*domain.BootstrapToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	token := &domain.BootstrapToken{
		ID:         uuid.New(),
		Token:      hex.EncodeToString(raw),
		ServerName: serverName,
	}
	created, err := s.tokens.Create(token)
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	slog.Info("Minted bootstrap token", "layer", "auth", "server_name", serverName)
	return created, nil
}

// Redeem consumes a token. A token can be redeemed exactly once and only
// within its TTL; everything else is ErrTokenInvalid.
func (s *TokenService) Redeem(token string) (*domain.BootstrapToken, error) {
	redeemed, err := s.tokens.Redeem(token, s.ttl)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}
	return redeemed, nil
}

package ports

import (
	"context"

	"voicemesh/internal/core/domain"
)

// IntentStore persists the rejoin intent of a user across reconnects and
// client restarts. Load returns domain.ErrIntentNotFound when none exists.
type IntentStore interface {
	Save(ctx context.Context, intent *domain.RejoinIntent) error
	Load(ctx context.Context, userID domain.UserID) (*domain.RejoinIntent, error)
	Clear(ctx context.Context, userID domain.UserID) error
}

// TokenIssuer mints and validates relay access tokens.
type TokenIssuer interface {
	GenerateToken(userID domain.UserID, username string) (string, error)
	ValidateToken(token string) (*TokenClaims, error)
}

type TokenClaims struct {
	UserID   domain.UserID
	Username string
}

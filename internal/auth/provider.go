package auth

import (
	"context"
	"errors"

	"github.com/Vilis322/sleepBot/internal"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Provider maps a bearer token to an identity. Only ID is required on the
// returned user; Language and Timezone are hints for first contact.
type Provider interface {
	ValidateTokenLocal(token string) (*internal.User, error)
	ValidateTokenRemote(ctx context.Context, token string) (*internal.User, error)
}

// UserResolver loads or registers the user behind an identity.
type UserResolver interface {
	GetOrCreate(ctx context.Context, id, languageHint, timezone string) (*internal.User, error)
}

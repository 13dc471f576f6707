package auth

import (
	"context"
	"errors"

	"github.com/Vilis322/sleepBot/internal"
)

// LocalAuthProvider accepts a fixed set of tokens, each bound to a user id.
type LocalAuthProvider struct {
	tokens map[string]string
	logger internal.Logger
}

func (a *LocalAuthProvider) ValidateTokenLocal(token string) (*internal.User, error) {
	if id, ok := a.tokens[token]; ok && token != "" {
		return &internal.User{ID: id}, nil
	}
	a.logger.Warnf("invalid token presented (%d chars)", len(token))
	return nil, ErrInvalidToken
}

func (a *LocalAuthProvider) ValidateTokenRemote(ctx context.Context, token string) (*internal.User, error) {
	a.logger.Warnf("ValidateTokenRemote not implemented in LocalAuthProvider")
	return nil, errors.New("not implemented in LocalAuthProvider")
}

func NewLocalAuthProvider(tokens map[string]string, logger internal.Logger) *LocalAuthProvider {
	return &LocalAuthProvider{tokens: tokens, logger: logger}
}

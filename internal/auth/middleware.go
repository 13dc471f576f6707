package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/config"
	"github.com/Vilis322/sleepBot/internal/response"
)

// NewProvider picks the local token table in development and the remote
// service everywhere else.
func NewProvider(cfg *config.Config, logger internal.Logger) Provider {
	if cfg.Env == "development" {
		return NewLocalAuthProvider(cfg.Tokens(), logger)
	}
	return NewRemoteAuthProvider(cfg.AuthServiceURL, logger)
}

// AuthMiddleware resolves the bearer token and stores the user under "user".
// Accept-Language and X-Timezone seed a user seen for the first time.
func AuthMiddleware(provider Provider, cfg *config.Config, users UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Unauthorized("Unauthorized"))
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		var (
			identity *internal.User
			err      error
		)
		if cfg.Env == "development" {
			identity, err = provider.ValidateTokenLocal(token)
		} else {
			identity, err = provider.ValidateTokenRemote(c.Request.Context(), token)
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Unauthorized("Unauthorized"))
			return
		}

		language := c.GetHeader("Accept-Language")
		if language == "" {
			language = identity.Language
		}
		timezone := c.GetHeader("X-Timezone")
		if timezone == "" {
			timezone = identity.Timezone
		}
		user, err := users.GetOrCreate(c.Request.Context(), identity.ID, language, timezone)
		if err != nil {
			status := http.StatusServiceUnavailable
			c.AbortWithStatusJSON(status, response.Failure(status, internal.KindOf(internal.Unavailable(err)), "Failed to load user", nil))
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	DBType     string `mapstructure:"STORAGE_BACKEND"`
	DBDSN      string `mapstructure:"POSTGRES_DSN"`
	SqlitePath string `mapstructure:"SQLITE_PATH"`
	FileUsers  string `mapstructure:"USERS_FILE"`
	FileSleep  string `mapstructure:"SLEEP_FILE"`
	FileGoals  string `mapstructure:"GOALS_FILE"`

	// Empty RedisAddr keeps pending confirmations in memory.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	PendingTTL      time.Duration `mapstructure:"PENDING_TTL"`
	EditWindow      time.Duration `mapstructure:"EDIT_WINDOW"`
	StorageTimeout  time.Duration `mapstructure:"STORAGE_TIMEOUT"`
	DefaultTimezone string        `mapstructure:"DEFAULT_TIMEZONE"`

	// AuthTokens is a comma-separated list of token:user pairs for the local provider.
	AuthTokens     string `mapstructure:"AUTH_TOKENS"`
	AuthServiceURL string `mapstructure:"AUTH_SERVICE_URL"`
}

var defaults = map[string]any{
	"APP_ENV":          "development",
	"LOG_LEVEL":        "info",
	"HTTP_ADDR":        ":8080",
	"STORAGE_BACKEND":  "file",
	"POSTGRES_DSN":     "",
	"SQLITE_PATH":      "data/sleep.db",
	"USERS_FILE":       "data/users.json",
	"SLEEP_FILE":       "data/sleep_sessions.json",
	"GOALS_FILE":       "data/goals.json",
	"REDIS_ADDR":       "",
	"REDIS_PASSWORD":   "",
	"REDIS_DB":         0,
	"PENDING_TTL":      "15m",
	"EDIT_WINDOW":      "24h",
	"STORAGE_TIMEOUT":  "5s",
	"DEFAULT_TIMEZONE": "UTC",
	"AUTH_TOKENS":      "",
	"AUTH_SERVICE_URL": "",
}

// Load reads .env when present, then the environment. Environment values win.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.DBType = strings.ToLower(strings.TrimSpace(cfg.DBType))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBType {
	case "postgres":
		if c.DBDSN == "" {
			return errors.New("config: POSTGRES_DSN is required when STORAGE_BACKEND=postgres")
		}
	case "sqlite":
		if c.SqlitePath == "" {
			return errors.New("config: SQLITE_PATH is required when STORAGE_BACKEND=sqlite")
		}
	case "file":
		if c.FileUsers == "" || c.FileSleep == "" || c.FileGoals == "" {
			return errors.New("config: file storage requires USERS_FILE, SLEEP_FILE and GOALS_FILE to be set")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.DBType)
	}
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return errors.New("config: APP_ENV must be one of: development, staging, production")
	}
	if c.Env != "development" && c.AuthServiceURL == "" {
		return errors.New("config: AUTH_SERVICE_URL is required outside development")
	}
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.EditWindow <= 0 {
		return errors.New("config: EDIT_WINDOW must be positive")
	}
	if c.PendingTTL <= 0 {
		return errors.New("config: PENDING_TTL must be positive")
	}
	if c.StorageTimeout <= 0 {
		return errors.New("config: STORAGE_TIMEOUT must be positive")
	}
	return nil
}

// Tokens parses AuthTokens into a token to user id map. Malformed pairs are skipped.
func (c *Config) Tokens() map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.AuthTokens, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || user == "" {
			continue
		}
		out[token] = user
	}
	return out
}

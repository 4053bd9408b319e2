package config

import (
	"time"
)

// Token store drivers
const (
	TokenStoreMemory   = "memory"
	TokenStoreRedis    = "redis"
	TokenStorePostgres = "postgres"
)

// TokenConfig holds token lifetime and storage configuration.
// Client-level validity seconds take precedence over these defaults.
type TokenConfig struct {
	AccessTokenExpiry  string `env:"ACCESS_TOKEN_EXPIRY" env-default:"PT1H"`
	RefreshTokenExpiry string `env:"REFRESH_TOKEN_EXPIRY" env-default:"P30D"`
	IDTokenExpiry      string `env:"ID_TOKEN_EXPIRY" env-default:"PT10M"`

	// StoreDriver is one of memory, redis, postgres
	StoreDriver   string `env:"TOKEN_STORE" env-default:"memory"`
	RedisAddr     string `env:"TOKEN_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"TOKEN_REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"TOKEN_REDIS_DB" env-default:"0"`
	RedisPrefix   string `env:"TOKEN_REDIS_PREFIX" env-default:"idp:token:"`

	// SweepInterval controls how often the in-memory store drops expired tokens
	SweepInterval string `env:"TOKEN_SWEEP_INTERVAL" env-default:"PT10M"`
}

// DefaultTokenConfig returns a TokenConfig with sensible defaults
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTokenExpiry:  "PT1H",
		RefreshTokenExpiry: "P30D",
		IDTokenExpiry:      "PT10M",
		StoreDriver:        TokenStoreMemory,
		RedisAddr:          "localhost:6379",
		RedisPrefix:        "idp:token:",
		SweepInterval:      "PT10M",
	}
}

// ParseAccessTokenExpiry parses the access token expiry duration
func (c TokenConfig) ParseAccessTokenExpiry() (time.Duration, error) {
	return ParseDuration(c.AccessTokenExpiry)
}

// ParseRefreshTokenExpiry parses the refresh token expiry duration
func (c TokenConfig) ParseRefreshTokenExpiry() (time.Duration, error) {
	return ParseDuration(c.RefreshTokenExpiry)
}

// ParseIDTokenExpiry parses the ID token expiry duration
func (c TokenConfig) ParseIDTokenExpiry() (time.Duration, error) {
	return ParseDuration(c.IDTokenExpiry)
}

// ParseSweepInterval parses the in-memory sweep interval
func (c TokenConfig) ParseSweepInterval() (time.Duration, error) {
	return ParseDuration(c.SweepInterval)
}

// Validate checks the token configuration
func (c TokenConfig) Validate() error {
	return Validate(func() ValidationErrors {
		errs := CollectErrors(
			RequireOneOf("TOKEN_STORE", c.StoreDriver,
				[]string{TokenStoreMemory, TokenStoreRedis, TokenStorePostgres}),
		)
		if c.StoreDriver == TokenStoreRedis {
			errs = append(errs, CollectErrors(RequireNonEmpty("TOKEN_REDIS_ADDR", c.RedisAddr))...)
		}
		for _, raw := range []struct{ field, value string }{
			{"ACCESS_TOKEN_EXPIRY", c.AccessTokenExpiry},
			{"REFRESH_TOKEN_EXPIRY", c.RefreshTokenExpiry},
			{"ID_TOKEN_EXPIRY", c.IDTokenExpiry},
			{"TOKEN_SWEEP_INTERVAL", c.SweepInterval},
		} {
			if _, err := ParseDuration(raw.value); err != nil {
				errs = append(errs, ValidationError{Field: raw.field, Message: err.Error()})
			}
		}
		return errs
	})
}

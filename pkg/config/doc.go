// Package config provides common configuration utilities for simple-idp.
//
// # Overview
//
// The config package provides:
//   - Environment variable helpers with type conversion
//   - Configuration validation utilities
//   - Typed configuration structs with cleanenv tags (KeysConfig, TokenConfig, DatabaseConfig)
//
// Durations accept ISO8601 ("PT1H", "P30D") as well as Go notation ("1h", "720h").
//
// # Loading
//
// Binaries load a .env file and then read the environment into a struct:
//
//	var cfg struct {
//		Keys  config.KeysConfig
//		Token config.TokenConfig
//	}
//	if err := cleanenv.ReadEnv(&cfg); err != nil {
//		slog.Error("failed to read config", "error", err)
//	}
//
// Libraries that do not want cleanenv can use the helpers directly:
//
//	keys := config.NewKeysConfigFromEnv()
//	ttl := config.GetEnvDuration("KEYS_REMOTE_JWKS_TTL", time.Hour)
//
// # Validation
//
//	if err := keys.Validate(); err != nil {
//		// err is a config.ValidationErrors listing every problem
//	}
package config

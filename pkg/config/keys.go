package config

import (
	"time"
)

// Missing-kid policies for keys that arrive without a "kid".
const (
	MissingKeyIDReject       = "reject"
	MissingKeyIDAssignRandom = "assign-random"
)

// KeysConfig holds the provider key store and client key cache settings.
type KeysConfig struct {
	// Issuer is the "iss" value stamped on every issued token
	Issuer string `env:"OIDC_ISSUER" env-default:"http://localhost:4000"`

	// DefaultSigningAlgorithm is used for access and ID tokens; empty means the default signer's algorithm
	DefaultSigningAlgorithm string `env:"KEYS_DEFAULT_SIGNING_ALGORITHM" env-default:"RS256"`

	// DefaultSignerKeyID selects the default signer; empty picks the only signer or the active stored key
	DefaultSignerKeyID string `env:"KEYS_DEFAULT_SIGNER_KID" env-default:""`

	// KeyStoreFile is the JSON file holding the provider private key set; empty keeps keys in memory
	KeyStoreFile string `env:"KEYS_STORE_FILE" env-default:""`

	// MissingKeyIDPolicy is "reject" or "assign-random"
	MissingKeyIDPolicy string `env:"KEYS_MISSING_KID_POLICY" env-default:"reject"`

	// Client key cache settings
	RemoteJWKSTTL      string `env:"KEYS_REMOTE_JWKS_TTL" env-default:"PT1H"`
	SymmetricKeyTTL    string `env:"KEYS_SYMMETRIC_KEY_TTL" env-default:"PT24H"`
	CacheMaxEntries    int    `env:"KEYS_CACHE_MAX_ENTRIES" env-default:"100"`
	JWKSFetchTimeout   string `env:"KEYS_JWKS_FETCH_TIMEOUT" env-default:"10s"`
	JWKSFetchRetryMax  int    `env:"KEYS_JWKS_FETCH_RETRY_MAX" env-default:"2"`
	JWKSMaxBytes       int    `env:"KEYS_JWKS_MAX_BYTES" env-default:"1048576"`
	RotationRetainKeys int    `env:"KEYS_ROTATION_RETAIN" env-default:"2"`
}

// DefaultKeysConfig returns a KeysConfig with sensible defaults
func DefaultKeysConfig() KeysConfig {
	return KeysConfig{
		Issuer:                  "http://localhost:4000",
		DefaultSigningAlgorithm: "RS256",
		MissingKeyIDPolicy:      MissingKeyIDReject,
		RemoteJWKSTTL:           "PT1H",
		SymmetricKeyTTL:         "PT24H",
		CacheMaxEntries:         100,
		JWKSFetchTimeout:        "10s",
		JWKSFetchRetryMax:       2,
		JWKSMaxBytes:            1 << 20,
		RotationRetainKeys:      2,
	}
}

// NewKeysConfigFromEnv loads KeysConfig from standard environment variables.
func NewKeysConfigFromEnv() KeysConfig {
	d := DefaultKeysConfig()
	return KeysConfig{
		Issuer:                  GetEnvOrDefault("OIDC_ISSUER", d.Issuer),
		DefaultSigningAlgorithm: GetEnvOrDefault("KEYS_DEFAULT_SIGNING_ALGORITHM", d.DefaultSigningAlgorithm),
		DefaultSignerKeyID:      GetEnvOrDefault("KEYS_DEFAULT_SIGNER_KID", ""),
		KeyStoreFile:            GetEnvOrDefault("KEYS_STORE_FILE", ""),
		MissingKeyIDPolicy:      GetEnvOrDefault("KEYS_MISSING_KID_POLICY", d.MissingKeyIDPolicy),
		RemoteJWKSTTL:           GetEnvOrDefault("KEYS_REMOTE_JWKS_TTL", d.RemoteJWKSTTL),
		SymmetricKeyTTL:         GetEnvOrDefault("KEYS_SYMMETRIC_KEY_TTL", d.SymmetricKeyTTL),
		CacheMaxEntries:         GetEnvInt("KEYS_CACHE_MAX_ENTRIES", d.CacheMaxEntries),
		JWKSFetchTimeout:        GetEnvOrDefault("KEYS_JWKS_FETCH_TIMEOUT", d.JWKSFetchTimeout),
		JWKSFetchRetryMax:       GetEnvInt("KEYS_JWKS_FETCH_RETRY_MAX", d.JWKSFetchRetryMax),
		JWKSMaxBytes:            GetEnvInt("KEYS_JWKS_MAX_BYTES", d.JWKSMaxBytes),
		RotationRetainKeys:      GetEnvInt("KEYS_ROTATION_RETAIN", d.RotationRetainKeys),
	}
}

// ParseRemoteJWKSTTL parses the remote JWKS cache expiry (after write)
func (c KeysConfig) ParseRemoteJWKSTTL() (time.Duration, error) {
	return ParseDuration(c.RemoteJWKSTTL)
}

// ParseSymmetricKeyTTL parses the secret-derived key cache expiry (after access)
func (c KeysConfig) ParseSymmetricKeyTTL() (time.Duration, error) {
	return ParseDuration(c.SymmetricKeyTTL)
}

// ParseJWKSFetchTimeout parses the HTTP timeout for remote JWKS fetches
func (c KeysConfig) ParseJWKSFetchTimeout() (time.Duration, error) {
	return ParseDuration(c.JWKSFetchTimeout)
}

// Validate checks the keys configuration
func (c KeysConfig) Validate() error {
	return Validate(func() ValidationErrors {
		errs := CollectErrors(
			RequireValidURL("OIDC_ISSUER", c.Issuer),
			RequireOneOf("KEYS_MISSING_KID_POLICY", c.MissingKeyIDPolicy,
				[]string{MissingKeyIDReject, MissingKeyIDAssignRandom}),
			RequirePositive("KEYS_CACHE_MAX_ENTRIES", c.CacheMaxEntries),
			RequireNonNegative("KEYS_JWKS_FETCH_RETRY_MAX", c.JWKSFetchRetryMax),
			RequirePositive("KEYS_JWKS_MAX_BYTES", c.JWKSMaxBytes),
		)
		for field, raw := range map[string]string{
			"KEYS_REMOTE_JWKS_TTL":    c.RemoteJWKSTTL,
			"KEYS_SYMMETRIC_KEY_TTL":  c.SymmetricKeyTTL,
			"KEYS_JWKS_FETCH_TIMEOUT": c.JWKSFetchTimeout,
		} {
			d, err := ParseDuration(raw)
			if err != nil {
				errs = append(errs, ValidationError{Field: field, Message: err.Error()})
				continue
			}
			if e := RequirePositiveDuration(field, d); e != nil {
				errs = append(errs, *e)
			}
		}
		return errs
	})
}

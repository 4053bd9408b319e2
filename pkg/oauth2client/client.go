package oauth2client

import (
	"encoding/json"
	"net/url"
	"slices"
	"time"

	"github.com/tendant/simple-idp/pkg/errors"
)

// Grant types relevant to token lifecycle policy
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// OAuth2Client represents an OAuth2 client configuration, including the key
// material used to verify its assertions and encrypt to it.
type OAuth2Client struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	ClientName    string   `json:"client_name,omitempty"`
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	ClientType    string   `json:"client_type,omitempty"` // "public" or "confidential"

	// Inline JWK Set document; mutually exclusive with JWKSURI
	JWKS json.RawMessage `json:"jwks,omitempty"`
	// Remote JWK Set location; mutually exclusive with JWKS
	JWKSURI string `json:"jwks_uri,omitempty"`

	// Token policy. Zero validity means the provider default applies.
	AccessTokenValiditySeconds  int  `json:"access_token_validity_seconds,omitempty"`
	RefreshTokenValiditySeconds int  `json:"refresh_token_validity_seconds,omitempty"`
	ReuseRefreshToken           bool `json:"reuse_refresh_token"`
	ClearAccessTokensOnRefresh  bool `json:"clear_access_tokens_on_refresh"`
	// EncryptIDToken wraps ID tokens in a JWE to the client's encryption key
	EncryptIDToken              bool `json:"encrypt_id_token,omitempty"`

	// Optional audience placed in access tokens
	Audience []string `json:"audience,omitempty"`
}

// ValidateRedirectURI checks if the provided redirect URI is allowed for this client
func (c *OAuth2Client) ValidateRedirectURI(redirectURI string) bool {
	return slices.Contains(c.RedirectURIs, redirectURI)
}

// ValidateScope checks if the provided scopes are allowed for this client
func (c *OAuth2Client) ValidateScope(requestedScopes []string) bool {
	for _, requestedScope := range requestedScopes {
		if !slices.Contains(c.Scopes, requestedScope) {
			return false
		}
	}
	return true
}

// AllowsRefresh reports whether the client may use refresh tokens
func (c *OAuth2Client) AllowsRefresh() bool {
	return slices.Contains(c.GrantTypes, GrantRefreshToken)
}

// HasInlineJWKS reports whether an inline key set is configured
func (c *OAuth2Client) HasInlineJWKS() bool {
	return len(c.JWKS) > 0 && string(c.JWKS) != "null"
}

// AccessTokenValidity returns the client's access token lifetime, or fallback when unset
func (c *OAuth2Client) AccessTokenValidity(fallback time.Duration) time.Duration {
	if c.AccessTokenValiditySeconds > 0 {
		return time.Duration(c.AccessTokenValiditySeconds) * time.Second
	}
	return fallback
}

// RefreshTokenValidity returns the client's refresh token lifetime, or fallback when unset
func (c *OAuth2Client) RefreshTokenValidity(fallback time.Duration) time.Duration {
	if c.RefreshTokenValiditySeconds > 0 {
		return time.Duration(c.RefreshTokenValiditySeconds) * time.Second
	}
	return fallback
}

// Validate checks the registration. Inline and remote key sets are mutually
// exclusive; a secret may coexist with either.
func (c *OAuth2Client) Validate() error {
	details := make(map[string]interface{})

	if c.ClientID == "" {
		details["client_id"] = "required"
	}
	if c.HasInlineJWKS() && c.JWKSURI != "" {
		details["jwks"] = "jwks and jwks_uri are mutually exclusive"
	}
	if c.HasInlineJWKS() && !json.Valid(c.JWKS) {
		details["jwks"] = "not valid JSON"
	}
	if c.JWKSURI != "" {
		u, err := url.Parse(c.JWKSURI)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			details["jwks_uri"] = "must be an absolute http(s) URL"
		}
	}
	if c.AccessTokenValiditySeconds < 0 {
		details["access_token_validity_seconds"] = "must be non-negative"
	}
	if c.RefreshTokenValiditySeconds < 0 {
		details["refresh_token_validity_seconds"] = "must be non-negative"
	}

	if len(details) > 0 {
		return errors.ValidationFailed(details)
	}
	return nil
}

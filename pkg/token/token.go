package token

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Scope names with lifecycle meaning
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Token type hints accepted by Revoke and introspection (RFC 7009)
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// AuthenticationHolder is the recorded authentication a token was granted under
type AuthenticationHolder struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	// UserID is empty for client-only (client_credentials) grants
	UserID      string    `json:"user_id,omitempty"`
	Scope       []string  `json:"scope"`
	ResourceIDs []string  `json:"resource_ids,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// IsClientOnly reports whether no user took part in the authentication
func (h *AuthenticationHolder) IsClientOnly() bool {
	return h.UserID == ""
}

// Subject is the user, or the client for client-only authentications
func (h *AuthenticationHolder) Subject() string {
	if h.IsClientOnly() {
		return h.ClientID
	}
	return h.UserID
}

// Clone returns a deep copy
func (h *AuthenticationHolder) Clone() *AuthenticationHolder {
	if h == nil {
		return nil
	}
	out := *h
	out.Scope = slices.Clone(h.Scope)
	out.ResourceIDs = slices.Clone(h.ResourceIDs)
	return &out
}

// Permission grants scopes on one registered resource set
type Permission struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// AccessToken is an issued access token. Value is the compact JWS.
type AccessToken struct {
	ID             string                `json:"id"`
	Value          string                `json:"value"`
	Scope          []string              `json:"scope"`
	Expiration     time.Time             `json:"expiration,omitempty"`
	ClientID       string                `json:"client_id"`
	Auth           *AuthenticationHolder `json:"auth"`
	RefreshTokenID string                `json:"refresh_token_id,omitempty"`
	IDToken        string                `json:"id_token,omitempty"`
	Permissions    []Permission          `json:"permissions,omitempty"`

	// RefreshToken is set on the value returned at issuance and never persisted
	RefreshToken *RefreshToken `json:"-"`
}

// Clone returns a deep copy
func (t *AccessToken) Clone() *AccessToken {
	out := *t
	out.Scope = slices.Clone(t.Scope)
	out.Auth = t.Auth.Clone()
	if t.RefreshToken != nil {
		out.RefreshToken = t.RefreshToken.Clone()
	}
	if t.Permissions != nil {
		out.Permissions = make([]Permission, len(t.Permissions))
		for i, p := range t.Permissions {
			out.Permissions[i] = Permission{ResourceSetID: p.ResourceSetID, Scopes: slices.Clone(p.Scopes)}
		}
	}
	return &out
}

// IsExpired reports whether the token has an expiration at or before now
func (t *AccessToken) IsExpired(now time.Time) bool {
	return isExpired(t.Expiration, now)
}

// ExpiresIn returns the remaining lifetime in whole seconds, or 0 for non-expiring tokens
func (t *AccessToken) ExpiresIn(now time.Time) int64 {
	if t.Expiration.IsZero() {
		return 0
	}
	return int64(t.Expiration.Sub(now).Seconds())
}

// HasScope reports whether scope was granted to the token
func (t *AccessToken) HasScope(scope string) bool {
	return slices.Contains(t.Scope, scope)
}

// RefreshToken is an issued refresh token. Value is the compact JWS.
type RefreshToken struct {
	ID         string                `json:"id"`
	Value      string                `json:"value"`
	Expiration time.Time             `json:"expiration,omitempty"`
	ClientID   string                `json:"client_id"`
	Auth       *AuthenticationHolder `json:"auth"`
}

// Clone returns a deep copy
func (t *RefreshToken) Clone() *RefreshToken {
	out := *t
	out.Auth = t.Auth.Clone()
	return &out
}

// IsExpired reports whether the token has an expiration at or before now
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return isExpired(t.Expiration, now)
}

func isExpired(exp, now time.Time) bool {
	return !exp.IsZero() && !exp.After(now)
}

// NormalizeScope returns a sorted copy without duplicates or empty entries
func NormalizeScope(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// ParseScope splits a space-delimited scope parameter
func ParseScope(scope string) []string {
	return NormalizeScope(strings.Fields(scope))
}

// FormatScope joins scopes sorted and space-delimited
func FormatScope(scope []string) string {
	return strings.Join(NormalizeScope(scope), " ")
}

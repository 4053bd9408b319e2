// Package introspection builds RFC 7662 token introspection responses.
//
// The response for an active token carries only what the querying resource server
// is entitled to: the scope is the intersection of the token's scope with the
// scopes registered for the resource server, and user claims are released per
// authorized scope.
package introspection

import (
	"slices"
	"time"

	"github.com/tendant/simple-idp/pkg/token"
)

// Response fields
const (
	FieldActive      = "active"
	FieldScope       = "scope"
	FieldPermissions = "permissions"
	FieldClientID    = "client_id"
	FieldTokenType   = "token_type"
	FieldExpiration  = "exp"
	FieldExpiresAt   = "expires_at"
	FieldIssuer      = "iss"
	FieldSubject     = "sub"
	FieldUserID      = "user_id"
)

// Token types reported in token_type
const (
	TokenTypeBearer  = "Bearer"
	TokenTypeRefresh = "refresh_token"
)

// Result is an introspection response body
type Result map[string]interface{}

// Inactive is the response for any token the caller may not learn about
func Inactive() Result {
	return Result{FieldActive: false}
}

// Active reports the active member
func (r Result) Active() bool {
	active, _ := r[FieldActive].(bool)
	return active
}

// PermissionResult is one entry of the permissions member
type PermissionResult struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// Assembler turns stored tokens into introspection results
type Assembler struct {
	issuer string
	claims ScopeClaims
}

// AssemblerOption configures an Assembler
type AssemblerOption func(*Assembler)

// WithScopeClaims replaces the scope to user claim mapping
func WithScopeClaims(claims ScopeClaims) AssemblerOption {
	return func(a *Assembler) {
		a.claims = claims
	}
}

// NewAssembler creates an assembler reporting issuer in iss
func NewAssembler(issuer string, opts ...AssemblerOption) *Assembler {
	a := &Assembler{issuer: issuer, claims: DefaultScopeClaims()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AuthorizedScopes returns the sorted scopes present in both sets
func AuthorizedScopes(resourceServerScopes, tokenScopes []string) []string {
	out := make([]string, 0)
	for _, s := range token.NormalizeScope(tokenScopes) {
		if slices.Contains(resourceServerScopes, s) {
			out = append(out, s)
		}
	}
	return out
}

// Assemble builds the response for an active access token. userInfo may be nil.
func (a *Assembler) Assemble(at *token.AccessToken, userInfo UserInfo, resourceServerScopes []string) Result {
	result := Result{
		FieldActive:    true,
		FieldClientID:  at.ClientID,
		FieldTokenType: TokenTypeBearer,
		FieldIssuer:    a.issuer,
	}
	setExpiration(result, at.Expiration)

	authorized := AuthorizedScopes(resourceServerScopes, at.Scope)
	if len(at.Permissions) > 0 {
		perms := make([]PermissionResult, 0, len(at.Permissions))
		for _, p := range at.Permissions {
			perms = append(perms, PermissionResult{ResourceSetID: p.ResourceSetID, Scopes: token.NormalizeScope(p.Scopes)})
		}
		result[FieldPermissions] = perms
	} else {
		setScope(result, authorized)
	}

	if at.Auth != nil && !at.Auth.IsClientOnly() {
		result[FieldSubject] = at.Auth.UserID
		result[FieldUserID] = at.Auth.UserID
		if userInfo != nil {
			if username, ok := userInfo["preferred_username"].(string); ok && username != "" {
				result[FieldUserID] = username
			}
			a.addUserClaims(result, userInfo, authorized)
		}
	}
	return result
}

// AssembleRefresh builds the response for an active refresh token
func (a *Assembler) AssembleRefresh(rt *token.RefreshToken, resourceServerScopes []string) Result {
	result := Result{
		FieldActive:    true,
		FieldClientID:  rt.ClientID,
		FieldTokenType: TokenTypeRefresh,
		FieldIssuer:    a.issuer,
	}
	setExpiration(result, rt.Expiration)

	if rt.Auth != nil {
		setScope(result, AuthorizedScopes(resourceServerScopes, rt.Auth.Scope))
		if !rt.Auth.IsClientOnly() {
			result[FieldSubject] = rt.Auth.UserID
			result[FieldUserID] = rt.Auth.UserID
		}
	}
	return result
}

// setScope omits the member when no scope is authorized
func setScope(result Result, scope []string) {
	if len(scope) == 0 {
		return
	}
	result[FieldScope] = token.FormatScope(scope)
}

func setExpiration(result Result, exp time.Time) {
	if exp.IsZero() {
		return
	}
	result[FieldExpiration] = exp.Unix()
	result[FieldExpiresAt] = exp.UTC().Format(time.RFC3339)
}

// addUserClaims copies the claims released by each authorized scope
func (a *Assembler) addUserClaims(result Result, userInfo UserInfo, authorized []string) {
	for _, scope := range authorized {
		for _, claim := range a.claims[scope] {
			if _, reserved := result[claim]; reserved {
				continue
			}
			if v, ok := userInfo[claim]; ok {
				result[claim] = v
			}
		}
	}
}

package introspection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tendant/simple-idp/pkg/token"
)

func accessToken(scope ...string) *token.AccessToken {
	return &token.AccessToken{
		ID:         "at-1",
		Value:      "value",
		Scope:      scope,
		ClientID:   "app",
		Expiration: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
		Auth:       &token.AuthenticationHolder{ClientID: "app", UserID: "alice", Scope: scope},
	}
}

func TestAuthorizedScopes(t *testing.T) {
	assert.Equal(t, []string{"b", "c"}, AuthorizedScopes([]string{"b", "c", "d"}, []string{"a", "b", "c"}))
	assert.Empty(t, AuthorizedScopes(nil, []string{"a"}))
	assert.Empty(t, AuthorizedScopes([]string{"a"}, nil))
}

func TestAssemble(t *testing.T) {
	a := NewAssembler("https://idp.example.com")

	t.Run("scope is the intersection", func(t *testing.T) {
		result := a.Assemble(accessToken("a", "b", "c"), nil, []string{"b", "c", "d"})
		assert.True(t, result.Active())
		assert.Equal(t, "b c", result[FieldScope])
		assert.Equal(t, "app", result[FieldClientID])
		assert.Equal(t, TokenTypeBearer, result[FieldTokenType])
		assert.Equal(t, "https://idp.example.com", result[FieldIssuer])
		assert.Equal(t, int64(1893553445), result[FieldExpiration])
		assert.Equal(t, "2030-01-02T03:04:05Z", result[FieldExpiresAt])
		assert.Equal(t, "alice", result[FieldSubject])
		assert.Equal(t, "alice", result[FieldUserID])
		assert.NotContains(t, result, FieldPermissions)
	})

	t.Run("no overlap omits scope", func(t *testing.T) {
		result := a.Assemble(accessToken("a", "b"), nil, []string{"x"})
		assert.True(t, result.Active())
		assert.NotContains(t, result, FieldScope)

		rt := &token.RefreshToken{ID: "rt-1", ClientID: "app", Auth: &token.AuthenticationHolder{ClientID: "app", Scope: []string{"a"}}}
		assert.NotContains(t, a.AssembleRefresh(rt, []string{"x"}), FieldScope)
	})

	t.Run("permissions replace scope", func(t *testing.T) {
		at := accessToken("a")
		at.Permissions = []token.Permission{{ResourceSetID: "photos", Scopes: []string{"view", "edit"}}}
		result := a.Assemble(at, nil, []string{"a"})
		assert.NotContains(t, result, FieldScope)
		assert.Equal(t, []PermissionResult{{ResourceSetID: "photos", Scopes: []string{"edit", "view"}}}, result[FieldPermissions])
	})

	t.Run("client-only tokens have no subject", func(t *testing.T) {
		at := accessToken("a")
		at.Auth.UserID = ""
		result := a.Assemble(at, UserInfo{"email": "x@example.com"}, []string{"a", "email"})
		assert.NotContains(t, result, FieldSubject)
		assert.NotContains(t, result, FieldUserID)
		assert.NotContains(t, result, "email")
	})

	t.Run("non-expiring tokens omit exp", func(t *testing.T) {
		at := accessToken("a")
		at.Expiration = time.Time{}
		result := a.Assemble(at, nil, []string{"a"})
		assert.NotContains(t, result, FieldExpiration)
		assert.NotContains(t, result, FieldExpiresAt)
	})

	t.Run("user claims gated by authorized scope", func(t *testing.T) {
		info := UserInfo{
			"preferred_username": "alice.smith",
			"name":               "Alice Smith",
			"email":              "alice@example.com",
			"email_verified":     true,
			"phone_number":       "+1 555 0100",
			"sub":                "spoofed",
		}
		// token grants profile and phone, resource server may see profile and email
		result := a.Assemble(accessToken("openid", "profile", "phone"), info, []string{"profile", "email"})
		assert.Equal(t, "profile", result[FieldScope])
		assert.Equal(t, "Alice Smith", result["name"])
		assert.Equal(t, "alice.smith", result[FieldUserID])
		assert.Equal(t, "alice", result[FieldSubject])
		assert.NotContains(t, result, "email")
		assert.NotContains(t, result, "phone_number")
	})

	t.Run("custom mapping", func(t *testing.T) {
		custom := NewAssembler("iss", WithScopeClaims(ScopeClaims{"groups": {"groups"}}))
		result := custom.Assemble(accessToken("groups"), UserInfo{"groups": []string{"admins"}}, []string{"groups"})
		assert.Equal(t, []string{"admins"}, result["groups"])
	})
}

func TestAssembleRefresh(t *testing.T) {
	a := NewAssembler("https://idp.example.com")
	rt := &token.RefreshToken{
		ID:       "rt-1",
		ClientID: "app",
		Auth:     &token.AuthenticationHolder{ClientID: "app", UserID: "alice", Scope: []string{"offline_access", "read"}},
	}

	result := a.AssembleRefresh(rt, []string{"read"})
	assert.True(t, result.Active())
	assert.Equal(t, TokenTypeRefresh, result[FieldTokenType])
	assert.Equal(t, "read", result[FieldScope])
	assert.Equal(t, "alice", result[FieldSubject])
	assert.NotContains(t, result, FieldExpiration)
}

func TestInactive(t *testing.T) {
	result := Inactive()
	assert.False(t, result.Active())
	assert.Len(t, result, 1)
}

package token

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idp/pkg/clientkeys"
	"github.com/tendant/simple-idp/pkg/config"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/jwks"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/signing"
)

const testIssuer = "https://idp.example.com"

type fixture struct {
	svc     *Service
	repo    *MemoryRepository
	clients *oauth2client.ClientService
	signer  *signing.Service
	now     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	priv, err := jwks.GenerateECKeyPair("ES256")
	require.NoError(t, err)
	signer, err := signing.New([]*jwks.KeyMaterial{jwks.NewECKey("provider-ec", priv, "")})
	require.NoError(t, err)

	f := &fixture{
		repo:    NewMemoryRepository(time.Minute),
		clients: oauth2client.NewClientService(oauth2client.NewInMemoryOAuth2ClientRepository()),
		signer:  signer,
		now:     time.Now().Truncate(time.Second),
	}
	opts = append([]Option{WithIssuer(testIssuer), WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewService(f.repo, f.clients, signer, opts...)
	return f
}

func (f *fixture) register(t *testing.T, c *oauth2client.OAuth2Client) *oauth2client.OAuth2Client {
	t.Helper()
	if c.GrantTypes == nil {
		c.GrantTypes = []string{oauth2client.GrantAuthorizationCode, oauth2client.GrantRefreshToken}
	}
	if c.ClientSecret == "" {
		c.ClientSecret = "secret-" + c.ClientID
	}
	created, err := f.clients.RegisterClient(context.Background(), c)
	require.NoError(t, err)
	return created
}

func userAuth(clientID string, scope ...string) *AuthenticationHolder {
	return &AuthenticationHolder{ClientID: clientID, UserID: "alice", Scope: scope}
}

func TestCreateAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, &oauth2client.OAuth2Client{ClientID: "app", Audience: []string{"https://api.example.com"}})

	at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "read", "openid", "read"))
	require.NoError(t, err)

	t.Run("claims", func(t *testing.T) {
		claims, err := f.signer.Parse(at.Value)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims["sub"])
		assert.Equal(t, testIssuer, claims["iss"])
		assert.Equal(t, "openid read", claims["scope"])
		assert.Equal(t, at.ID, claims["jti"])
		assert.Equal(t, "app", claims["client_id"])
		assert.Equal(t, []interface{}{"https://api.example.com"}, claims["aud"])
		assert.Equal(t, float64(f.now.Add(time.Hour).Unix()), claims["exp"])
	})

	t.Run("header carries the provider key", func(t *testing.T) {
		tok, _, err := jwt.NewParser().ParseUnverified(at.Value, jwt.MapClaims{})
		require.NoError(t, err)
		assert.Equal(t, "ES256", tok.Header["alg"])
		assert.Equal(t, "provider-ec", tok.Header["kid"])
	})

	t.Run("id token", func(t *testing.T) {
		require.NotEmpty(t, at.IDToken)
		claims, err := f.signer.Parse(at.IDToken)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims["sub"])
		assert.Equal(t, "app", claims["aud"])
		assert.Equal(t, AccessTokenHash(at.Value, "ES256"), claims["at_hash"])
	})

	t.Run("stored and readable", func(t *testing.T) {
		got, err := f.svc.ReadAccessToken(ctx, at.Value)
		require.NoError(t, err)
		assert.Equal(t, at.ID, got.ID)
		assert.Equal(t, []string{"openid", "read"}, got.Scope)
		assert.Empty(t, got.RefreshTokenID, "no offline_access requested")
	})

	t.Run("client validity overrides the default", func(t *testing.T) {
		f.register(t, &oauth2client.OAuth2Client{ClientID: "short", AccessTokenValiditySeconds: 60})
		short, err := f.svc.CreateAccessToken(ctx, userAuth("short", "read"))
		require.NoError(t, err)
		assert.Equal(t, f.now.Add(time.Minute), short.Expiration)
		assert.Empty(t, short.IDToken)
	})
}

func TestCreateAccessTokenErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAccessToken(ctx, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthenticationRequired))

	_, err = f.svc.CreateAccessToken(ctx, userAuth("ghost", "read"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidClient))

	f.register(t, &oauth2client.OAuth2Client{ClientID: "app"})
	_, err = f.svc.CreateAccessTokenWithPermissions(ctx, userAuth("app"), nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestEncryptedIDToken(t *testing.T) {
	ctx := context.Background()
	resolver, err := clientkeys.NewResolver(config.DefaultKeysConfig())
	require.NoError(t, err)

	t.Run("encrypted to the client secret", func(t *testing.T) {
		f := newFixture(t, WithEncrypterResolver(resolver))
		client := f.register(t, &oauth2client.OAuth2Client{ClientID: "app", EncryptIDToken: true})

		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "openid"))
		require.NoError(t, err)
		require.NotEmpty(t, at.IDToken)
		assert.Len(t, strings.Split(at.IDToken, "."), 5)

		plain, err := resolver.ResolveEncrypter(ctx, client).Decrypt(at.IDToken)
		require.NoError(t, err)
		claims, err := f.signer.Parse(string(plain))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims["sub"])
	})

	t.Run("omitted without an encrypter", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app", EncryptIDToken: true})

		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "openid"))
		require.NoError(t, err)
		assert.Empty(t, at.IDToken)
	})
}

func TestClientOnlyToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, &oauth2client.OAuth2Client{ClientID: "svc", GrantTypes: []string{oauth2client.GrantClientCredentials}})

	at, err := f.svc.CreateAccessToken(ctx, &AuthenticationHolder{ClientID: "svc", Scope: []string{"openid", "offline_access"}})
	require.NoError(t, err)
	assert.Empty(t, at.IDToken)
	assert.Nil(t, at.RefreshToken, "client may not refresh")

	claims, err := f.signer.Parse(at.Value)
	require.NoError(t, err)
	assert.Equal(t, "svc", claims["sub"])
}

func TestPermissionsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, &oauth2client.OAuth2Client{ClientID: "app"})

	perms := []Permission{{ResourceSetID: "photos", Scopes: []string{"view"}}}
	at, err := f.svc.CreateAccessTokenWithPermissions(ctx, userAuth("app", "uma_protection"), perms)
	require.NoError(t, err)

	got, err := f.svc.ReadAccessToken(ctx, at.Value)
	require.NoError(t, err)
	assert.Equal(t, perms, got.Permissions)
}

func TestClaimsEnhancer(t *testing.T) {
	ctx := context.Background()

	t.Run("adds claims", func(t *testing.T) {
		f := newFixture(t, WithClaimsEnhancer(func(ctx context.Context, claims jwt.MapClaims, auth *AuthenticationHolder, client *oauth2client.OAuth2Client) error {
			claims["tenant"] = "acme"
			return nil
		}))
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app"})
		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "read"))
		require.NoError(t, err)
		claims, err := f.signer.Parse(at.Value)
		require.NoError(t, err)
		assert.Equal(t, "acme", claims["tenant"])
	})

	t.Run("failure aborts issuance", func(t *testing.T) {
		f := newFixture(t, WithClaimsEnhancer(func(ctx context.Context, claims jwt.MapClaims, auth *AuthenticationHolder, client *oauth2client.OAuth2Client) error {
			return fmt.Errorf("directory unavailable")
		}))
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app"})
		_, err := f.svc.CreateAccessToken(ctx, userAuth("app", "read"))
		assert.True(t, errors.IsCode(err, errors.ErrCodeInternal))
	})
}

func TestRefreshAccessToken(t *testing.T) {
	ctx := context.Background()

	issue := func(t *testing.T, f *fixture, clientID string) *AccessToken {
		t.Helper()
		at, err := f.svc.CreateAccessToken(ctx, userAuth(clientID, "offline_access", "openid", "read", "write"))
		require.NoError(t, err)
		require.NotNil(t, at.RefreshToken)
		assert.Equal(t, at.RefreshToken.ID, at.RefreshTokenID)
		return at
	}

	t.Run("empty request keeps the granted scope", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app", ReuseRefreshToken: true})
		at := issue(t, f, "app")

		next, err := f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"offline_access", "openid", "read", "write"}, next.Scope)
		assert.Equal(t, at.RefreshTokenID, next.RefreshTokenID, "refresh token reused")
		assert.NotEqual(t, at.Value, next.Value)
	})

	t.Run("scope narrowing", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app", ReuseRefreshToken: true})
		at := issue(t, f, "app")

		next, err := f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, []string{"read"})
		require.NoError(t, err)
		assert.Equal(t, []string{"read"}, next.Scope)
		assert.Empty(t, next.IDToken)

		_, err = f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, []string{"read", "admin"})
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidScope))
	})

	t.Run("rotation replaces the refresh token", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app", ReuseRefreshToken: false})
		at := issue(t, f, "app")

		next, err := f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, nil)
		require.NoError(t, err)
		require.NotNil(t, next.RefreshToken)
		assert.NotEqual(t, at.RefreshTokenID, next.RefreshTokenID)

		_, err = f.svc.ReadRefreshToken(ctx, at.RefreshToken.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))
		_, err = f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

		_, err = f.svc.RefreshAccessToken(ctx, "app", next.RefreshToken.Value, nil)
		assert.NoError(t, err)
	})

	t.Run("previous access tokens cleared by policy", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "clearing", ReuseRefreshToken: true, ClearAccessTokensOnRefresh: true})
		f.register(t, &oauth2client.OAuth2Client{ClientID: "keeping", ReuseRefreshToken: true})

		cleared := issue(t, f, "clearing")
		_, err := f.svc.RefreshAccessToken(ctx, "clearing", cleared.RefreshToken.Value, nil)
		require.NoError(t, err)
		_, err = f.svc.ReadAccessToken(ctx, cleared.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

		rejected := issue(t, f, "clearing")
		_, err = f.svc.RefreshAccessToken(ctx, "clearing", rejected.RefreshToken.Value, []string{"admin"})
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidScope))
		_, err = f.svc.ReadAccessToken(ctx, rejected.Value)
		assert.NoError(t, err, "failed refresh leaves access tokens alone")

		kept := issue(t, f, "keeping")
		_, err = f.svc.RefreshAccessToken(ctx, "keeping", kept.RefreshToken.Value, nil)
		require.NoError(t, err)
		_, err = f.svc.ReadAccessToken(ctx, kept.Value)
		assert.NoError(t, err)
	})

	t.Run("ownership and policy", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app", ReuseRefreshToken: true})
		f.register(t, &oauth2client.OAuth2Client{ClientID: "other"})
		at := issue(t, f, "app")

		_, err := f.svc.RefreshAccessToken(ctx, "other", at.RefreshToken.Value, nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidClient))

		_, err = f.clients.UpdateClient(ctx, &oauth2client.OAuth2Client{
			ClientID: "app", ClientSecret: "secret-app", GrantTypes: []string{oauth2client.GrantAuthorizationCode},
		})
		require.NoError(t, err)
		_, err = f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidClient))
	})

	t.Run("unknown and expired refresh tokens", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, &oauth2client.OAuth2Client{ClientID: "app", RefreshTokenValiditySeconds: 60})
		at := issue(t, f, "app")

		_, err := f.svc.RefreshAccessToken(ctx, "app", "not-a-token", nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

		f.advance(2 * time.Minute)
		_, err = f.svc.RefreshAccessToken(ctx, "app", at.RefreshToken.Value, nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

		// expired tokens are dropped from the store
		_, err = f.repo.GetRefreshTokenByValue(ctx, at.RefreshToken.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}

func TestReadAccessTokenExpired(t *testing.T) {
	f := newFixture(t, WithAccessTokenValidity(time.Minute))
	ctx := context.Background()
	f.register(t, &oauth2client.OAuth2Client{ClientID: "app"})

	at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "read"))
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.svc.ReadAccessToken(ctx, at.Value)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

	_, err = f.repo.GetAccessTokenByValue(ctx, at.Value)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, &oauth2client.OAuth2Client{ClientID: "app", ReuseRefreshToken: true})
	f.register(t, &oauth2client.OAuth2Client{ClientID: "other"})

	t.Run("owner revokes access token", func(t *testing.T) {
		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "read"))
		require.NoError(t, err)

		require.NoError(t, f.svc.Revoke(ctx, "app", at.Value, ""))
		_, err = f.svc.ReadAccessToken(ctx, at.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))

		// second revocation is a no-op
		assert.NoError(t, f.svc.Revoke(ctx, "app", at.Value, HintAccessToken))
	})

	t.Run("other client is forbidden", func(t *testing.T) {
		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "read"))
		require.NoError(t, err)

		err = f.svc.Revoke(ctx, "other", at.Value, HintAccessToken)
		assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
		_, err = f.svc.ReadAccessToken(ctx, at.Value)
		assert.NoError(t, err)
	})

	t.Run("unknown token succeeds", func(t *testing.T) {
		assert.NoError(t, f.svc.Revoke(ctx, "app", "garbage", HintRefreshToken))
	})

	t.Run("refresh revocation clears its access tokens", func(t *testing.T) {
		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "offline_access", "read"))
		require.NoError(t, err)
		require.NotNil(t, at.RefreshToken)

		require.NoError(t, f.svc.Revoke(ctx, "app", at.RefreshToken.Value, HintRefreshToken))
		_, err = f.svc.ReadRefreshToken(ctx, at.RefreshToken.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))
		_, err = f.svc.ReadAccessToken(ctx, at.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))
	})

	t.Run("wrong hint still finds the token", func(t *testing.T) {
		at, err := f.svc.CreateAccessToken(ctx, userAuth("app", "offline_access", "read"))
		require.NoError(t, err)
		require.NoError(t, f.svc.Revoke(ctx, "app", at.RefreshToken.Value, HintAccessToken))
		_, err = f.svc.ReadRefreshToken(ctx, at.RefreshToken.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidToken))
	})

	t.Run("nil tokens", func(t *testing.T) {
		assert.NoError(t, f.svc.RevokeAccessToken(ctx, nil))
		assert.NoError(t, f.svc.RevokeRefreshToken(ctx, nil))
	})
}

func TestAccessTokenHash(t *testing.T) {
	assert.Len(t, AccessTokenHash("abc", "RS256"), 22)
	assert.Len(t, AccessTokenHash("abc", "ES384"), 32)
	assert.Len(t, AccessTokenHash("abc", "HS512"), 43)
	assert.Empty(t, AccessTokenHash("abc", "none"))
	assert.NotEqual(t, AccessTokenHash("abc", "RS256"), AccessTokenHash("abd", "RS256"))
}

func TestSignWithoutDefaultSigner(t *testing.T) {
	ctx := context.Background()
	a, err := jwks.GenerateECKeyPair("ES256")
	require.NoError(t, err)
	b, err := jwks.GenerateECKeyPair("ES256")
	require.NoError(t, err)

	t.Run("default algorithm picks the first signer", func(t *testing.T) {
		signer, err := signing.New([]*jwks.KeyMaterial{jwks.NewECKey("a", a, ""), jwks.NewECKey("b", b, "")},
			signing.WithDefaultAlgorithm("ES256"))
		require.NoError(t, err)
		clients := oauth2client.NewClientService(oauth2client.NewInMemoryOAuth2ClientRepository())
		_, err = clients.RegisterClient(ctx, &oauth2client.OAuth2Client{ClientID: "app"})
		require.NoError(t, err)

		svc := NewService(NewMemoryRepository(time.Minute), clients, signer)
		at, err := svc.CreateAccessToken(ctx, userAuth("app", "read"))
		require.NoError(t, err)
		tok, _, err := jwt.NewParser().ParseUnverified(at.Value, jwt.MapClaims{})
		require.NoError(t, err)
		assert.Equal(t, "a", tok.Header["kid"])
	})

	t.Run("no algorithm at all", func(t *testing.T) {
		signer, err := signing.New([]*jwks.KeyMaterial{jwks.NewECKey("a", a, ""), jwks.NewECKey("b", b, "")})
		require.NoError(t, err)
		clients := oauth2client.NewClientService(oauth2client.NewInMemoryOAuth2ClientRepository())
		_, err = clients.RegisterClient(ctx, &oauth2client.OAuth2Client{ClientID: "app"})
		require.NoError(t, err)

		svc := NewService(NewMemoryRepository(time.Minute), clients, signer)
		_, err = svc.CreateAccessToken(ctx, userAuth("app", "read"))
		assert.True(t, errors.IsCode(err, errors.ErrCodeSignerNotFound))
	})
}

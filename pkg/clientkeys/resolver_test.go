package clientkeys

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idp/pkg/config"
	"github.com/tendant/simple-idp/pkg/jwks"
	"github.com/tendant/simple-idp/pkg/keycache"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/signing"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	cfg := config.DefaultKeysConfig()
	cfg.JWKSFetchTimeout = "2s"
	cfg.JWKSFetchRetryMax = 0
	r, err := NewResolver(cfg)
	require.NoError(t, err)
	return r
}

func rsaKey(t *testing.T, kid string, use jwks.KeyUse) *jwks.KeyMaterial {
	t.Helper()
	priv, err := jwks.GenerateRSAKeyPair(2048)
	require.NoError(t, err)
	km := jwks.NewRSAKey(kid, priv, "")
	km.Use = use
	return km
}

func publicSet(t *testing.T, keys ...*jwks.KeyMaterial) json.RawMessage {
	t.Helper()
	data, err := jwks.MarshalPublicKeySet(keys)
	require.NoError(t, err)
	return data
}

func TestSymmetricScenario(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	alice := &oauth2client.OAuth2Client{ClientID: "client-a", ClientSecret: "s3cr3t"}
	other := &oauth2client.OAuth2Client{ClientID: "client-b", ClientSecret: "different"}

	validator := r.ResolveValidator(ctx, alice, "HS256")
	require.NotNil(t, validator)
	signers, verifiers := validator.KeyIDs()
	assert.Equal(t, []string{SymmetricKeyID}, signers)
	assert.Equal(t, []string{SymmetricKeyID}, verifiers)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice", "scope": "openid"})
	compact, err := validator.Sign(token, SymmetricKeyID)
	require.NoError(t, err)
	assert.Equal(t, SymmetricKeyID, token.Header["kid"])

	t.Run("same client verifies", func(t *testing.T) {
		again := r.ResolveValidator(ctx, alice, "HS256")
		assert.Same(t, validator, again)
		assert.True(t, again.Verify(compact))
	})

	t.Run("other client secret fails", func(t *testing.T) {
		otherValidator := r.ResolveValidator(ctx, other, "HS256")
		require.NotNil(t, otherValidator)
		assert.NotSame(t, validator, otherValidator)
		assert.False(t, otherValidator.Verify(compact))
	})

	t.Run("clients sharing a secret share the service", func(t *testing.T) {
		twin := &oauth2client.OAuth2Client{ClientID: "client-c", ClientSecret: "s3cr3t"}
		assert.Same(t, validator, r.ResolveValidator(ctx, twin, "HS512"))
	})
}

func TestResolveValidatorFailsClosed(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	t.Run("nil client", func(t *testing.T) {
		assert.Nil(t, r.ResolveValidator(ctx, nil, "HS256"))
		assert.Nil(t, r.ResolveEncrypter(ctx, nil))
	})

	t.Run("empty secret", func(t *testing.T) {
		assert.Nil(t, r.ResolveValidator(ctx, &oauth2client.OAuth2Client{ClientID: "c"}, "HS256"))
	})

	t.Run("no key material", func(t *testing.T) {
		c := &oauth2client.OAuth2Client{ClientID: "c", ClientSecret: "s3cr3t"}
		assert.Nil(t, r.ResolveValidator(ctx, c, "RS256"))
	})

	t.Run("malformed inline key set", func(t *testing.T) {
		c := &oauth2client.OAuth2Client{ClientID: "c", JWKS: json.RawMessage(`{"not":"a key set"}`)}
		assert.Nil(t, r.ResolveValidator(ctx, c, "RS256"))
	})

	t.Run("unreachable jwks_uri", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		uri := srv.URL + "/jwks.json"
		srv.Close()

		c := &oauth2client.OAuth2Client{ClientID: "c", JWKSURI: uri}
		assert.Nil(t, r.ResolveValidator(ctx, c, "RS256"))
	})
}

func TestInlineJWKS(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	clientKey := rsaKey(t, "client-rsa", jwks.UseSignature)
	client := &oauth2client.OAuth2Client{ClientID: "rp", JWKS: publicSet(t, clientKey)}

	// the client signs with its private key
	clientSigner, err := signing.New([]*jwks.KeyMaterial{clientKey})
	require.NoError(t, err)
	compact, err := clientSigner.Sign(jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "rp"}), "")
	require.NoError(t, err)

	validator := r.ResolveValidator(ctx, client, "RS256")
	require.NotNil(t, validator)
	assert.True(t, validator.Verify(compact))
	assert.Same(t, validator, r.ResolveValidator(ctx, client, "RS256"))

	// public-only material cannot sign
	_, err = validator.Sign(jwt.New(jwt.SigningMethodRS256), "client-rsa")
	assert.Error(t, err)

	t.Run("invalidate drops the cached service", func(t *testing.T) {
		r.Invalidate(client)
		fresh := r.ResolveValidator(ctx, client, "RS256")
		require.NotNil(t, fresh)
		assert.NotSame(t, validator, fresh)
	})
}

func jwksServer(t *testing.T, contentType string, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRemoteJWKS(t *testing.T) {
	ctx := context.Background()
	clientKey := rsaKey(t, "remote-rsa", jwks.UseSignature)
	body := publicSet(t, clientKey)

	clientSigner, err := signing.New([]*jwks.KeyMaterial{clientKey})
	require.NoError(t, err)
	compact, err := clientSigner.Sign(jwt.New(jwt.SigningMethodRS256), "")
	require.NoError(t, err)

	t.Run("fetched once and cached", func(t *testing.T) {
		r := newTestResolver(t)
		srv, hits := jwksServer(t, "application/jwk-set+json; charset=utf-8", body)
		client := &oauth2client.OAuth2Client{ClientID: "rp", JWKSURI: srv.URL + "/jwks.json"}

		first := r.ResolveValidator(ctx, client, "RS256")
		require.NotNil(t, first)
		assert.True(t, first.Verify(compact))

		second := r.ResolveValidator(ctx, client, "PS256")
		assert.Same(t, first, second)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("unsupported content type", func(t *testing.T) {
		r := newTestResolver(t)
		srv, _ := jwksServer(t, "text/html", body)
		client := &oauth2client.OAuth2Client{ClientID: "rp", JWKSURI: srv.URL}
		assert.Nil(t, r.ResolveValidator(ctx, client, "RS256"))
	})

	t.Run("failures are retried on the next call", func(t *testing.T) {
		r := newTestResolver(t)
		var fail atomic.Bool
		fail.Store(true)
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			hits.Add(1)
			if fail.Load() {
				http.Error(w, "down", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		}))
		defer srv.Close()

		client := &oauth2client.OAuth2Client{ClientID: "rp", JWKSURI: srv.URL}
		assert.Nil(t, r.ResolveValidator(ctx, client, "RS256"))

		fail.Store(false)
		v := r.ResolveValidator(ctx, client, "RS256")
		require.NotNil(t, v)
		assert.True(t, v.Verify(compact))
		assert.Equal(t, int32(2), hits.Load())
	})
}

func TestFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("classifies failures", func(t *testing.T) {
		f := NewFetcher(time.Second, 0, 16)

		srv, _ := jwksServer(t, "application/json", []byte(`{"keys":[{"kty":"oct","k":"AAAA"}]}`))
		_, err := f.Fetch(ctx, srv.URL)
		assert.True(t, keycache.IsLoadError(err, keycache.KindMalformedKeySet), "oversized body")

		srv, _ = jwksServer(t, "text/plain", []byte(`{}`))
		_, err = f.Fetch(ctx, srv.URL)
		assert.True(t, keycache.IsLoadError(err, keycache.KindUnsupportedContentType))

		_, err = f.Fetch(ctx, "http://127.0.0.1:1/jwks")
		assert.True(t, keycache.IsLoadError(err, keycache.KindNetwork))
	})

	t.Run("returns the document", func(t *testing.T) {
		f := NewFetcher(time.Second, 0, 0)
		srv, _ := jwksServer(t, "application/json", []byte(`{"keys":[]}`))
		body, err := f.Fetch(ctx, srv.URL)
		require.NoError(t, err)
		assert.JSONEq(t, `{"keys":[]}`, string(body))
	})
}

func TestResolveEncrypter(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	t.Run("inline encryption key", func(t *testing.T) {
		encKey := rsaKey(t, "client-enc", jwks.UseEncryption)
		client := &oauth2client.OAuth2Client{ClientID: "rp", JWKS: publicSet(t, encKey)}

		enc := r.ResolveEncrypter(ctx, client)
		require.NotNil(t, enc)
		assert.Same(t, enc, r.ResolveEncrypter(ctx, client))

		compact, err := enc.Encrypt([]byte("hello"), "")
		require.NoError(t, err)

		// only the client holds the private key
		_, err = enc.Decrypt(compact)
		assert.Error(t, err)
	})

	t.Run("secret derived key", func(t *testing.T) {
		client := &oauth2client.OAuth2Client{ClientID: "rp", ClientSecret: "s3cr3t"}
		enc := r.ResolveEncrypter(ctx, client)
		require.NotNil(t, enc)

		compact, err := enc.Encrypt([]byte("hello"), SymmetricKeyID)
		require.NoError(t, err)
		plain, err := enc.Decrypt(compact)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(plain))
	})

	t.Run("no material", func(t *testing.T) {
		assert.Nil(t, r.ResolveEncrypter(ctx, &oauth2client.OAuth2Client{ClientID: "rp"}))
	})
}

func TestIsSymmetric(t *testing.T) {
	assert.True(t, IsSymmetric("HS256"))
	assert.True(t, IsSymmetric("HS512"))
	assert.False(t, IsSymmetric("RS256"))
	assert.False(t, IsSymmetric("none"))
	assert.False(t, IsSymmetric(""))
}

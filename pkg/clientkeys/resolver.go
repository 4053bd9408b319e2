// Package clientkeys turns a registered client's key configuration into signing and
// encryption services, caching the result.
//
// Asymmetric material comes from the client's inline JWK Set or its jwks_uri.
// Symmetric material is the client secret, exposed as a single HMAC key with kid
// SYMMETRIC-KEY. Resolution fails closed: when no service can be built the resolver
// logs the reason and returns nil.
package clientkeys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-idp/pkg/config"
	"github.com/tendant/simple-idp/pkg/encryption"
	"github.com/tendant/simple-idp/pkg/jwks"
	"github.com/tendant/simple-idp/pkg/keycache"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/signing"
)

// SymmetricKeyID is the kid of the key derived from a client secret
const SymmetricKeyID = "SYMMETRIC-KEY"

// Resolver derives per-client validators and encrypters
type Resolver struct {
	fetcher      *Fetcher
	missingKeyID jwks.MissingKeyIDPolicy

	inlineValidators    *keycache.Cache[string, *signing.Service]
	remoteValidators    *keycache.Cache[string, *signing.Service]
	symmetricValidators *keycache.Cache[string, *signing.Service]

	inlineEncrypters    *keycache.Cache[string, *encryption.Service]
	remoteEncrypters    *keycache.Cache[string, *encryption.Service]
	symmetricEncrypters *keycache.Cache[string, *encryption.Service]
}

// Option configures a Resolver
type Option func(*Resolver)

// WithFetcher replaces the remote JWK Set fetcher
func WithFetcher(f *Fetcher) Option {
	return func(r *Resolver) {
		r.fetcher = f
	}
}

// NewResolver creates a resolver with caches sized and timed from cfg
func NewResolver(cfg config.KeysConfig, opts ...Option) (*Resolver, error) {
	remoteTTL, err := cfg.ParseRemoteJWKSTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid remote JWKS TTL: %w", err)
	}
	symmetricTTL, err := cfg.ParseSymmetricKeyTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid symmetric key TTL: %w", err)
	}
	fetchTimeout, err := cfg.ParseJWKSFetchTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid JWKS fetch timeout: %w", err)
	}

	r := &Resolver{
		fetcher:      NewFetcher(fetchTimeout, cfg.JWKSFetchRetryMax, int64(cfg.JWKSMaxBytes)),
		missingKeyID: jwks.MissingKeyIDPolicy(cfg.MissingKeyIDPolicy),
	}
	for _, opt := range opts {
		opt(r)
	}

	remote := func(name string) keycache.Config {
		return keycache.Config{Name: name, MaxEntries: cfg.CacheMaxEntries, TTL: remoteTTL,
			Expiry: keycache.ExpireAfterWrite, LoadTimeout: fetchTimeout * time.Duration(cfg.JWKSFetchRetryMax+1)}
	}
	local := func(name string) keycache.Config {
		return keycache.Config{Name: name, MaxEntries: cfg.CacheMaxEntries, TTL: symmetricTTL,
			Expiry: keycache.ExpireAfterAccess}
	}

	r.remoteValidators = keycache.New(remote("jwks_uri_validators"), r.loadRemoteValidator)
	r.remoteEncrypters = keycache.New(remote("jwks_uri_encrypters"), r.loadRemoteEncrypter)
	r.inlineValidators = keycache.New[string, *signing.Service](local("jwks_validators"), nil)
	r.inlineEncrypters = keycache.New[string, *encryption.Service](local("jwks_encrypters"), nil)
	r.symmetricValidators = keycache.New[string, *signing.Service](local("symmetric_validators"), nil)
	r.symmetricEncrypters = keycache.New[string, *encryption.Service](local("symmetric_encrypters"), nil)

	return r, nil
}

// IsSymmetric reports whether alg is an HMAC signing algorithm
func IsSymmetric(alg string) bool {
	_, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	return ok
}

// digest keys caches by content so secrets and key sets never appear in cache keys
func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ResolveValidator returns the service that verifies tokens the client signed with alg.
// HMAC algorithms use the client secret; anything else uses the inline key set,
// then jwks_uri. Returns nil when the client has no usable material.
func (r *Resolver) ResolveValidator(ctx context.Context, client *oauth2client.OAuth2Client, alg string) *signing.Service {
	if client == nil {
		slog.Debug("No client to resolve validator for")
		return nil
	}

	var (
		svc *signing.Service
		err error
	)
	switch {
	case IsSymmetric(alg):
		if client.ClientSecret == "" {
			slog.Warn("Client has no secret for symmetric validation", "client_id", client.ClientID, "alg", alg)
			return nil
		}
		secret := []byte(client.ClientSecret)
		svc, err = r.symmetricValidators.GetWith(ctx, digest(secret), func(ctx context.Context, _ string) (*signing.Service, error) {
			return signing.New([]*jwks.KeyMaterial{jwks.NewSymmetricKey(SymmetricKeyID, secret, "")})
		})
	case client.HasInlineJWKS():
		data := []byte(client.JWKS)
		svc, err = r.inlineValidators.GetWith(ctx, digest(data), func(ctx context.Context, _ string) (*signing.Service, error) {
			keys, err := r.parseKeySet(data)
			if err != nil {
				return nil, err
			}
			return signing.New(keys)
		})
	case client.JWKSURI != "":
		svc, err = r.remoteValidators.Get(ctx, client.JWKSURI)
	default:
		slog.Debug("Client has no key material", "client_id", client.ClientID, "alg", alg)
		return nil
	}

	if err != nil {
		slog.Warn("Failed to resolve client validator", "client_id", client.ClientID, "alg", alg, "error", err)
		return nil
	}
	return svc
}

// ResolveEncrypter returns the service that encrypts to the client: its inline key
// set, then jwks_uri, then a key derived from its secret. Returns nil when none is usable.
func (r *Resolver) ResolveEncrypter(ctx context.Context, client *oauth2client.OAuth2Client) *encryption.Service {
	if client == nil {
		slog.Debug("No client to resolve encrypter for")
		return nil
	}

	var (
		svc *encryption.Service
		err error
	)
	switch {
	case client.HasInlineJWKS():
		data := []byte(client.JWKS)
		svc, err = r.inlineEncrypters.GetWith(ctx, digest(data), func(ctx context.Context, _ string) (*encryption.Service, error) {
			keys, err := r.parseKeySet(data)
			if err != nil {
				return nil, err
			}
			return encryption.New(keys)
		})
	case client.JWKSURI != "":
		svc, err = r.remoteEncrypters.Get(ctx, client.JWKSURI)
	case client.ClientSecret != "":
		secret := []byte(client.ClientSecret)
		svc, err = r.symmetricEncrypters.GetWith(ctx, digest(secret), func(ctx context.Context, _ string) (*encryption.Service, error) {
			km := jwks.NewSymmetricKey(SymmetricKeyID, secret, "")
			km.Use = jwks.UseEncryption
			return encryption.New([]*jwks.KeyMaterial{km})
		})
	default:
		slog.Debug("Client has no encryption material", "client_id", client.ClientID)
		return nil
	}

	if err != nil {
		slog.Warn("Failed to resolve client encrypter", "client_id", client.ClientID, "error", err)
		return nil
	}
	return svc
}

// Invalidate drops every cached service derived from the client's current key configuration
func (r *Resolver) Invalidate(client *oauth2client.OAuth2Client) {
	if client == nil {
		return
	}
	if client.ClientSecret != "" {
		k := digest([]byte(client.ClientSecret))
		r.symmetricValidators.Invalidate(k)
		r.symmetricEncrypters.Invalidate(k)
	}
	if client.HasInlineJWKS() {
		k := digest([]byte(client.JWKS))
		r.inlineValidators.Invalidate(k)
		r.inlineEncrypters.Invalidate(k)
	}
	if client.JWKSURI != "" {
		r.remoteValidators.Invalidate(client.JWKSURI)
		r.remoteEncrypters.Invalidate(client.JWKSURI)
	}
}

func (r *Resolver) parseKeySet(data []byte) ([]*jwks.KeyMaterial, error) {
	keys, _, err := jwks.ParseKeySet(data, jwks.WithMissingKeyIDPolicy(r.missingKeyID))
	if err != nil {
		return nil, keycache.NewLoadError(keycache.KindMalformedKeySet, err)
	}
	return keys, nil
}

func (r *Resolver) fetchKeySet(ctx context.Context, uri string) ([]*jwks.KeyMaterial, error) {
	body, err := r.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	return r.parseKeySet(body)
}

func (r *Resolver) loadRemoteValidator(ctx context.Context, uri string) (*signing.Service, error) {
	keys, err := r.fetchKeySet(ctx, uri)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded remote key set", "jwks_uri", uri, "keys", len(keys))
	return signing.New(keys)
}

func (r *Resolver) loadRemoteEncrypter(ctx context.Context, uri string) (*encryption.Service, error) {
	keys, err := r.fetchKeySet(ctx, uri)
	if err != nil {
		return nil, err
	}
	return encryption.New(keys)
}

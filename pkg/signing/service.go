package signing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/jwks"
	"golang.org/x/exp/maps"
)

// key is one registry entry: the material plus the algorithms it may be used with
type key struct {
	material   *jwks.KeyMaterial
	algorithms []string
	defaultAlg string
}

func (k *key) supports(alg string) bool {
	return slices.Contains(k.algorithms, alg)
}

// Service signs and verifies compact JWS tokens with a fixed set of keys.
// Signers and verifiers keep the insertion order of the keys they were built from.
// A Service is immutable after construction and safe for concurrent use.
type Service struct {
	signers          []*key
	verifiers        []*key
	defaultKeyID     string
	defaultAlgorithm string
}

// Option configures a Service
type Option func(*options)

type options struct {
	defaultKeyID     string
	defaultAlgorithm string
}

// WithDefaultSignerKeyID selects the signer used when Sign is called without a kid
func WithDefaultSignerKeyID(kid string) Option {
	return func(o *options) {
		o.defaultKeyID = kid
	}
}

// WithDefaultAlgorithm sets the algorithm callers should prefer, see DefaultAlgorithm
func WithDefaultAlgorithm(alg string) Option {
	return func(o *options) {
		o.defaultAlgorithm = alg
	}
}

// New builds a Service from key material.
//
// Every key with public material becomes a verifier; private keys also become signers.
// Keys of an unsupported family, keys declaring an algorithm outside their family, keys
// reserved for encryption and duplicate kids are skipped with a warning.
// Without an explicit default kid, the only signer becomes the default.
func New(keys []*jwks.KeyMaterial, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{defaultAlgorithm: o.defaultAlgorithm}
	seen := make(map[string]bool, len(keys))

	for _, km := range keys {
		if km == nil {
			continue
		}
		if !km.UsableFor(jwks.UseSignature) {
			slog.Debug("Ignoring encryption key for signing", "kid", km.ID)
			continue
		}
		if seen[km.ID] {
			slog.Warn("Skipping duplicate key", "kid", km.ID)
			continue
		}

		algs := km.SigningAlgorithms()
		if len(algs) == 0 {
			slog.Warn("Skipping key with unsupported family", "kid", km.ID, "family", km.Family)
			continue
		}
		if km.Algorithm != "" {
			if !slices.Contains(algs, km.Algorithm) {
				slog.Warn("Skipping key with algorithm outside its family", "kid", km.ID, "alg", km.Algorithm, "family", km.Family)
				continue
			}
			algs = []string{km.Algorithm}
		}

		seen[km.ID] = true
		entry := &key{material: km, algorithms: algs, defaultAlg: km.DefaultSigningAlgorithm()}
		s.verifiers = append(s.verifiers, entry)
		if km.IsPrivate() {
			s.signers = append(s.signers, entry)
		}
	}

	switch {
	case o.defaultKeyID != "":
		if s.signer(o.defaultKeyID) == nil {
			return nil, errors.SignerNotFound("no signer for default kid").WithDetail("kid", o.defaultKeyID)
		}
		s.defaultKeyID = o.defaultKeyID
	case len(s.signers) == 1:
		s.defaultKeyID = s.signers[0].material.ID
	}

	return s, nil
}

// NewFromKeySet parses a JWK Set document and builds a Service from the loadable keys
func NewFromKeySet(data []byte, policy jwks.MissingKeyIDPolicy, opts ...Option) (*Service, error) {
	keys, _, err := jwks.ParseKeySet(data, jwks.WithMissingKeyIDPolicy(policy))
	if err != nil {
		return nil, err
	}
	return New(keys, opts...)
}

// NewFromKeyStore builds a Service from the provider key store.
// The active stored key is the default signer unless opts name another.
func NewFromKeyStore(ctx context.Context, store *jwks.KeyStoreService, opts ...Option) (*Service, error) {
	materials, err := store.KeyMaterials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeKeyLoadFailed, "failed to load provider keys")
	}

	if active, err := store.ActiveKey(ctx); err == nil {
		opts = append([]Option{WithDefaultSignerKeyID(active.Kid())}, opts...)
	}
	return New(materials, opts...)
}

func (s *Service) signer(kid string) *key {
	for _, k := range s.signers {
		if k.material.ID == kid {
			return k
		}
	}
	return nil
}

// DefaultSignerKeyID returns the kid used when Sign is called without one, or ""
func (s *Service) DefaultSignerKeyID() string {
	return s.defaultKeyID
}

// DefaultAlgorithm returns the configured default algorithm when some signer supports it,
// otherwise the default signer's algorithm.
func (s *Service) DefaultAlgorithm() string {
	if s.defaultAlgorithm != "" {
		for _, k := range s.signers {
			if k.supports(s.defaultAlgorithm) {
				return s.defaultAlgorithm
			}
		}
	}
	if k := s.signer(s.defaultKeyID); k != nil {
		return k.defaultAlg
	}
	return ""
}

// Sign signs token with the signer for keyID, or the default signer when keyID is empty.
//
// When the token already carries a method the signer supports it is kept, otherwise the
// signer's default algorithm is used. The "kid" and "alg" headers, token.Signature and
// token.Raw are set in place and the compact serialization is returned.
func (s *Service) Sign(token *jwt.Token, keyID string) (string, error) {
	kid := keyID
	if kid == "" {
		kid = s.defaultKeyID
	}
	if kid == "" {
		return "", errors.SignerNotFound("no default signer configured")
	}

	k := s.signer(kid)
	if k == nil {
		return "", errors.SignerNotFound("no signer for kid").WithDetail("kid", kid)
	}

	alg := k.defaultAlg
	if token.Method != nil && k.supports(token.Method.Alg()) {
		alg = token.Method.Alg()
	}
	return s.sign(token, k, alg)
}

// SignWithAlgorithm signs token with the first signer, in insertion order, supporting alg
func (s *Service) SignWithAlgorithm(token *jwt.Token, alg string) (string, error) {
	for _, k := range s.signers {
		if k.supports(alg) {
			return s.sign(token, k, alg)
		}
	}
	return "", errors.SignerNotFound("no signer supports algorithm").WithDetail("alg", alg)
}

func (s *Service) sign(token *jwt.Token, k *key, alg string) (string, error) {
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", errors.SignerNotFound("signing method unavailable").WithDetail("alg", alg)
	}

	token.Method = method
	if token.Header == nil {
		token.Header = map[string]interface{}{"typ": "JWT"}
	}
	token.Header["alg"] = alg
	token.Header["kid"] = k.material.ID

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}

	sig, err := method.Sign(signingString, k.material.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with kid %s: %w", k.material.ID, err)
	}

	token.Signature = sig
	token.Raw = signingString + "." + token.EncodeSegment(sig)
	return token.Raw, nil
}

// Verify reports whether any verifier accepts the signature of the compact token.
// Verifiers are tried in insertion order and individual failures, including key type
// mismatches, are ignored. Claims such as exp are not checked.
func (s *Service) Verify(compact string) bool {
	return s.verifier(compact) != nil
}

// verifier returns the first verifier accepting the signature of compact, or nil
func (s *Service) verifier(compact string) *key {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(compact, jwt.MapClaims{})
	if err != nil || token.Method == nil {
		return nil
	}
	sig, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return nil
	}

	alg := token.Method.Alg()
	signingString := parts[0] + "." + parts[1]
	for _, k := range s.verifiers {
		if !k.supports(alg) {
			continue
		}
		if err := token.Method.Verify(signingString, sig, k.material.Public); err == nil {
			return k
		}
	}
	return nil
}

// Parse verifies the compact token like Verify, then validates its registered
// claims (exp, nbf, iat) and returns the claim set.
func (s *Service) Parse(compact string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(s.SupportedAlgorithms()))

	_, err := parser.ParseWithClaims(compact, claims, func(t *jwt.Token) (interface{}, error) {
		k := s.verifier(compact)
		if k == nil {
			return nil, fmt.Errorf("no verifier accepts the signature")
		}
		return k.material.Public, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidToken, "token verification failed")
	}
	return claims, nil
}

// PublicKeys returns the public JWK of every asymmetric verifier, keyed by kid
func (s *Service) PublicKeys() map[string]jose.JSONWebKey {
	keys := make(map[string]jose.JSONWebKey, len(s.verifiers))
	for _, k := range s.verifiers {
		if jwk, ok := k.material.PublicJSONWebKey(); ok {
			keys[k.material.ID] = jwk
		}
	}
	return keys
}

// PublicKeySet returns the public JWK Set in verifier order. Symmetric keys are never included.
func (s *Service) PublicKeySet() jose.JSONWebKeySet {
	materials := make([]*jwks.KeyMaterial, 0, len(s.verifiers))
	for _, k := range s.verifiers {
		materials = append(materials, k.material)
	}
	return jwks.PublicKeySet(materials)
}

// SupportedAlgorithms returns the sorted union of algorithms over all signers and verifiers
func (s *Service) SupportedAlgorithms() []string {
	set := make(map[string]struct{})
	for _, k := range s.verifiers {
		for _, alg := range k.algorithms {
			set[alg] = struct{}{}
		}
	}
	algs := maps.Keys(set)
	sort.Strings(algs)
	return algs
}

// KeyIDs returns signer and verifier kids in insertion order
func (s *Service) KeyIDs() (signers, verifiers []string) {
	for _, k := range s.signers {
		signers = append(signers, k.material.ID)
	}
	for _, k := range s.verifiers {
		verifiers = append(verifiers, k.material.ID)
	}
	return signers, verifiers
}

// Package encryption is the JWE counterpart of package signing: it encrypts to
// public or shared keys and decrypts with private or shared keys.
package encryption

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/go-jose/go-jose/v4"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/jwks"
	"golang.org/x/exp/maps"
)

// Content encryption algorithms accepted when decrypting
var contentEncryptions = []jose.ContentEncryption{
	jose.A128CBC_HS256, jose.A192CBC_HS384, jose.A256CBC_HS512,
	jose.A128GCM, jose.A192GCM, jose.A256GCM,
}

type key struct {
	material   *jwks.KeyMaterial
	algorithms []jose.KeyAlgorithm
}

func (k *key) supports(alg jose.KeyAlgorithm) bool {
	return slices.Contains(k.algorithms, alg)
}

// algorithmsFor returns the key management algorithms a key supports, preferred first.
// Symmetric secrets of AES key sizes use key wrap; other secrets use PBES2.
func algorithmsFor(km *jwks.KeyMaterial) []jose.KeyAlgorithm {
	switch km.Family {
	case jwks.FamilyRSA:
		return []jose.KeyAlgorithm{jose.RSA_OAEP_256, jose.RSA_OAEP}
	case jwks.FamilyEC:
		return []jose.KeyAlgorithm{jose.ECDH_ES_A256KW, jose.ECDH_ES_A128KW, jose.ECDH_ES}
	case jwks.FamilySymmetric:
		secret, _ := km.Private.([]byte)
		switch len(secret) {
		case 16:
			return []jose.KeyAlgorithm{jose.A128KW}
		case 24:
			return []jose.KeyAlgorithm{jose.A192KW}
		case 32:
			return []jose.KeyAlgorithm{jose.A256KW}
		case 0:
			return nil
		default:
			return []jose.KeyAlgorithm{jose.PBES2_HS256_A128KW}
		}
	}
	return nil
}

// Service encrypts and decrypts compact JWE values. Immutable after construction.
type Service struct {
	encrypters   []*key
	decrypters   []*key
	defaultKeyID string
	content      jose.ContentEncryption
}

// Option configures a Service
type Option func(*Service)

// WithDefaultEncrypterKeyID selects the key used when Encrypt is called without a kid
func WithDefaultEncrypterKeyID(kid string) Option {
	return func(s *Service) {
		s.defaultKeyID = kid
	}
}

// WithContentEncryption sets the content encryption algorithm ("enc")
func WithContentEncryption(enc jose.ContentEncryption) Option {
	return func(s *Service) {
		s.content = enc
	}
}

// New builds a Service from key material usable for encryption.
// A key with a declared algorithm is restricted to it. Unsupported keys are skipped with a warning.
func New(keys []*jwks.KeyMaterial, opts ...Option) (*Service, error) {
	s := &Service{content: jose.A128CBC_HS256}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]bool, len(keys))
	for _, km := range keys {
		if km == nil || !km.UsableFor(jwks.UseEncryption) {
			continue
		}
		if seen[km.ID] {
			slog.Warn("Skipping duplicate encryption key", "kid", km.ID)
			continue
		}

		algs := algorithmsFor(km)
		if km.Algorithm != "" && km.Use == jwks.UseEncryption {
			declared := jose.KeyAlgorithm(km.Algorithm)
			if !slices.Contains(algs, declared) {
				slog.Warn("Skipping encryption key with unsupported algorithm", "kid", km.ID, "alg", km.Algorithm)
				continue
			}
			algs = []jose.KeyAlgorithm{declared}
		}
		if len(algs) == 0 {
			slog.Warn("Skipping encryption key with unsupported family", "kid", km.ID, "family", km.Family)
			continue
		}

		seen[km.ID] = true
		entry := &key{material: km, algorithms: algs}
		s.encrypters = append(s.encrypters, entry)
		if km.IsPrivate() {
			s.decrypters = append(s.decrypters, entry)
		}
	}

	switch {
	case s.defaultKeyID != "":
		if s.encrypter(s.defaultKeyID) == nil {
			return nil, errors.New(errors.ErrCodeKeyLoadFailed, "no encrypter for default kid").WithDetail("kid", s.defaultKeyID)
		}
	case len(s.encrypters) == 1:
		s.defaultKeyID = s.encrypters[0].material.ID
	}

	return s, nil
}

func (s *Service) encrypter(kid string) *key {
	for _, k := range s.encrypters {
		if k.material.ID == kid {
			return k
		}
	}
	return nil
}

// DefaultEncrypterKeyID returns the kid used when Encrypt is called without one
func (s *Service) DefaultEncrypterKeyID() string {
	return s.defaultKeyID
}

// Encrypt encrypts plaintext to the key with keyID, or the default key, using its preferred algorithm
func (s *Service) Encrypt(plaintext []byte, keyID string) (string, error) {
	kid := keyID
	if kid == "" {
		kid = s.defaultKeyID
	}
	k := s.encrypter(kid)
	if k == nil {
		return "", errors.New(errors.ErrCodeKeyLoadFailed, "no encrypter for kid").WithDetail("kid", kid)
	}
	return s.encrypt(plaintext, k, k.algorithms[0])
}

// EncryptWithAlgorithm encrypts to the first key, in insertion order, supporting alg
func (s *Service) EncryptWithAlgorithm(plaintext []byte, alg string) (string, error) {
	keyAlg := jose.KeyAlgorithm(alg)
	for _, k := range s.encrypters {
		if k.supports(keyAlg) {
			return s.encrypt(plaintext, k, keyAlg)
		}
	}
	return "", errors.New(errors.ErrCodeKeyLoadFailed, "no encrypter supports algorithm").WithDetail("alg", alg)
}

func (s *Service) encrypt(plaintext []byte, k *key, alg jose.KeyAlgorithm) (string, error) {
	recipient := jose.Recipient{Algorithm: alg, Key: k.material.Public, KeyID: k.material.ID}
	enc, err := jose.NewEncrypter(s.content, recipient, (&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter for kid %s: %w", k.material.ID, err)
	}

	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Decrypt decrypts a compact JWE. The decrypter named by the "kid" header is tried first,
// then every other decrypter supporting the header algorithm.
func (s *Service) Decrypt(compact string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(compact, s.keyAlgorithms(), contentEncryptions)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidToken, "malformed encrypted token")
	}

	alg := jose.KeyAlgorithm(obj.Header.Algorithm)
	candidates := make([]*key, 0, len(s.decrypters))
	for _, k := range s.decrypters {
		if k.material.ID == obj.Header.KeyID {
			candidates = append([]*key{k}, candidates...)
		} else {
			candidates = append(candidates, k)
		}
	}

	for _, k := range candidates {
		if !k.supports(alg) {
			continue
		}
		if plaintext, err := obj.Decrypt(k.material.Private); err == nil {
			return plaintext, nil
		}
	}
	return nil, errors.InvalidToken("no decrypter accepts the token")
}

func (s *Service) keyAlgorithms() []jose.KeyAlgorithm {
	set := make(map[jose.KeyAlgorithm]struct{})
	for _, k := range s.decrypters {
		for _, alg := range k.algorithms {
			set[alg] = struct{}{}
		}
	}
	return maps.Keys(set)
}

// SupportedAlgorithms returns the sorted key management algorithms over all keys
func (s *Service) SupportedAlgorithms() []string {
	set := make(map[string]struct{})
	for _, k := range s.encrypters {
		for _, alg := range k.algorithms {
			set[string(alg)] = struct{}{}
		}
	}
	algs := maps.Keys(set)
	sort.Strings(algs)
	return algs
}

// ContentEncryption returns the "enc" value used when encrypting
func (s *Service) ContentEncryption() string {
	return string(s.content)
}

// PublicKeySet returns the public JWK Set of the asymmetric encryption keys
func (s *Service) PublicKeySet() jose.JSONWebKeySet {
	materials := make([]*jwks.KeyMaterial, 0, len(s.encrypters))
	for _, k := range s.encrypters {
		materials = append(materials, k.material)
	}
	return jwks.PublicKeySet(materials)
}

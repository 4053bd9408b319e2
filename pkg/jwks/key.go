package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// KeyFamily is the cryptographic family of a key
type KeyFamily string

const (
	FamilyRSA       KeyFamily = "RSA"
	FamilyEC        KeyFamily = "EC"
	FamilySymmetric KeyFamily = "oct"
)

// KeyUse is the intended use of a key ("use" member of a JWK)
type KeyUse string

const (
	UseSignature  KeyUse = "sig"
	UseEncryption KeyUse = "enc"
	// UseAny marks a key that did not declare a use
	UseAny KeyUse = ""
)

// KeyMaterial is one cryptographic key with its identifier and intended use.
// It is immutable once loaded.
//
// Public holds *rsa.PublicKey, *ecdsa.PublicKey or []byte (symmetric).
// Private holds *rsa.PrivateKey, *ecdsa.PrivateKey or []byte (symmetric), or nil for public-only keys.
type KeyMaterial struct {
	ID        string
	Family    KeyFamily
	Use       KeyUse
	Algorithm string
	Public    any
	Private   any
}

// NewRSAKey wraps an RSA private key
func NewRSAKey(kid string, key *rsa.PrivateKey, alg string) *KeyMaterial {
	return &KeyMaterial{
		ID:        kid,
		Family:    FamilyRSA,
		Use:       UseSignature,
		Algorithm: alg,
		Public:    &key.PublicKey,
		Private:   key,
	}
}

// NewECKey wraps an EC private key
func NewECKey(kid string, key *ecdsa.PrivateKey, alg string) *KeyMaterial {
	return &KeyMaterial{
		ID:        kid,
		Family:    FamilyEC,
		Use:       UseSignature,
		Algorithm: alg,
		Public:    &key.PublicKey,
		Private:   key,
	}
}

// NewSymmetricKey wraps a shared secret. Symmetric keys are always private.
func NewSymmetricKey(kid string, secret []byte, alg string) *KeyMaterial {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &KeyMaterial{
		ID:        kid,
		Family:    FamilySymmetric,
		Use:       UseSignature,
		Algorithm: alg,
		Public:    s,
		Private:   s,
	}
}

// IsPrivate reports whether the key can sign or decrypt
func (k *KeyMaterial) IsPrivate() bool {
	if k.Family == FamilySymmetric {
		return true
	}
	return k.Private != nil
}

// UsableFor reports whether the key may be used for the given purpose
func (k *KeyMaterial) UsableFor(use KeyUse) bool {
	return k.Use == UseAny || k.Use == use
}

// PublicOnly returns the public projection of the key, or nil for symmetric keys
func (k *KeyMaterial) PublicOnly() *KeyMaterial {
	if k.Family == FamilySymmetric {
		return nil
	}
	return &KeyMaterial{
		ID:        k.ID,
		Family:    k.Family,
		Use:       k.Use,
		Algorithm: k.Algorithm,
		Public:    k.Public,
	}
}

// SigningAlgorithms returns the JWS algorithms the key family supports.
// EC keys support exactly one algorithm, chosen by curve.
func (k *KeyMaterial) SigningAlgorithms() []string {
	switch k.Family {
	case FamilyRSA:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case FamilyEC:
		if alg := curveAlgorithm(k.Public); alg != "" {
			return []string{alg}
		}
		return nil
	case FamilySymmetric:
		return []string{"HS256", "HS384", "HS512"}
	}
	return nil
}

// DefaultSigningAlgorithm returns the declared algorithm if present, else the family default
func (k *KeyMaterial) DefaultSigningAlgorithm() string {
	if k.Algorithm != "" {
		return k.Algorithm
	}
	switch k.Family {
	case FamilyRSA:
		return "RS256"
	case FamilyEC:
		return curveAlgorithm(k.Public)
	case FamilySymmetric:
		return "HS256"
	}
	return ""
}

func curveAlgorithm(pub any) string {
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return ""
	}
	switch ecPub.Curve {
	case elliptic.P256():
		return "ES256"
	case elliptic.P384():
		return "ES384"
	case elliptic.P521():
		return "ES512"
	}
	return ""
}

// JSONWebKey returns the key as a go-jose JWK, including private members when present
func (k *KeyMaterial) JSONWebKey() jose.JSONWebKey {
	var key any = k.Public
	if k.Private != nil {
		key = k.Private
	}
	return jose.JSONWebKey{
		Key:       key,
		KeyID:     k.ID,
		Algorithm: k.Algorithm,
		Use:       string(k.Use),
	}
}

// PublicJSONWebKey returns the public JWK. ok is false for symmetric keys.
func (k *KeyMaterial) PublicJSONWebKey() (jwk jose.JSONWebKey, ok bool) {
	if k.Family == FamilySymmetric {
		return jose.JSONWebKey{}, false
	}
	return jose.JSONWebKey{
		Key:       k.Public,
		KeyID:     k.ID,
		Algorithm: k.Algorithm,
		Use:       string(k.Use),
	}, true
}

// FromJSONWebKey converts a parsed go-jose JWK into KeyMaterial.
// Unsupported key types (for example OKP) return an error.
func FromJSONWebKey(jwk jose.JSONWebKey) (*KeyMaterial, error) {
	km := &KeyMaterial{
		ID:        jwk.KeyID,
		Use:       KeyUse(jwk.Use),
		Algorithm: jwk.Algorithm,
	}

	switch key := jwk.Key.(type) {
	case *rsa.PrivateKey:
		km.Family = FamilyRSA
		km.Private = key
		km.Public = &key.PublicKey
	case *rsa.PublicKey:
		km.Family = FamilyRSA
		km.Public = key
	case *ecdsa.PrivateKey:
		km.Family = FamilyEC
		km.Private = key
		km.Public = &key.PublicKey
	case *ecdsa.PublicKey:
		km.Family = FamilyEC
		km.Public = key
	case []byte:
		if len(key) == 0 {
			return nil, fmt.Errorf("symmetric key %q is empty", jwk.KeyID)
		}
		km.Family = FamilySymmetric
		km.Public = key
		km.Private = key
	default:
		return nil, fmt.Errorf("unsupported key type %T for kid %q", jwk.Key, jwk.KeyID)
	}

	switch km.Use {
	case UseSignature, UseEncryption, UseAny:
	default:
		return nil, fmt.Errorf("unsupported key use %q for kid %q", jwk.Use, jwk.KeyID)
	}

	return km, nil
}

package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GenerateRSAKeyPair generates a new RSA key pair with the specified bit size
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

// GenerateECKeyPair generates an EC key on the curve matching alg (ES256, ES384, ES512)
func GenerateECKeyPair(alg string) (*ecdsa.PrivateKey, error) {
	var curve elliptic.Curve
	switch alg {
	case "ES256":
		curve = elliptic.P256()
	case "ES384":
		curve = elliptic.P384()
	case "ES512":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported EC algorithm: %s", alg)
	}
	return ecdsa.GenerateKey(curve, rand.Reader)
}

// GenerateSymmetricSecret returns a random secret sized for the HMAC algorithm
func GenerateSymmetricSecret(alg string) ([]byte, error) {
	var size int
	switch alg {
	case "HS256":
		size = 32
	case "HS384":
		size = 48
	case "HS512":
		size = 64
	default:
		return nil, fmt.Errorf("unsupported HMAC algorithm: %s", alg)
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// DecodePrivateKeyFromPEM decodes an RSA or EC private key from PEM.
// Supports PKCS#1 (RSA PRIVATE KEY), SEC 1 (EC PRIVATE KEY) and PKCS#8 (PRIVATE KEY).
func DecodePrivateKeyFromPEM(pemData []byte, kid string) (*KeyMaterial, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
		}
		return NewRSAKey(kid, key, ""), nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		return NewECKey(kid, key, ""), nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		switch key := parsed.(type) {
		case *rsa.PrivateKey:
			return NewRSAKey(kid, key, ""), nil
		case *ecdsa.PrivateKey:
			return NewECKey(kid, key, ""), nil
		default:
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", parsed)
		}
	default:
		return nil, fmt.Errorf("invalid PEM block type: %s", block.Type)
	}
}

// EncodePrivateKeyToPEM encodes an RSA or EC private key as PKCS#8 PEM
func EncodePrivateKeyToPEM(km *KeyMaterial) ([]byte, error) {
	if km.Family == FamilySymmetric || km.Private == nil {
		return nil, fmt.Errorf("key %q has no asymmetric private part", km.ID)
	}
	der, err := x509.MarshalPKCS8PrivateKey(km.Private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

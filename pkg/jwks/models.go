package jwks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// StoredKey is a provider key with rotation metadata
type StoredKey struct {
	// Key material, private part included
	Material *KeyMaterial `json:"-"`

	// Creation timestamp
	CreatedAt time.Time `json:"created_at"`

	// Update timestamp
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Whether this is the active signing key
	Active bool `json:"active"`
}

// Kid returns the key identifier
func (sk *StoredKey) Kid() string {
	return sk.Material.ID
}

// KeyStore represents the stored key data
type KeyStore struct {
	Keys []StoredKey `json:"keys"`
}

// MarshalJSON stores the key material as a private JWK
func (sk StoredKey) MarshalJSON() ([]byte, error) {
	type Alias StoredKey
	jwk := sk.Material.JSONWebKey()
	return json.Marshal(&struct {
		Alias
		JWK *jose.JSONWebKey `json:"jwk"`
	}{
		Alias: Alias(sk),
		JWK:   &jwk,
	})
}

// UnmarshalJSON restores the key material from its private JWK
func (sk *StoredKey) UnmarshalJSON(data []byte) error {
	type Alias StoredKey
	aux := &struct {
		*Alias
		JWK json.RawMessage `json:"jwk"`
	}{
		Alias: (*Alias)(sk),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(aux.JWK); err != nil {
		return fmt.Errorf("failed to decode stored key: %w", err)
	}

	km, err := FromJSONWebKey(jwk)
	if err != nil {
		return err
	}
	sk.Material = km
	return nil
}

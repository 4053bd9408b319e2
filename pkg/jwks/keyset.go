package jwks

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// MissingKeyIDPolicy decides what happens to a key that arrives without a "kid"
type MissingKeyIDPolicy string

const (
	// RejectMissingKeyID fails the whole key set
	RejectMissingKeyID MissingKeyIDPolicy = "reject"
	// AssignRandomKeyID gives the key a random UUID kid
	AssignRandomKeyID MissingKeyIDPolicy = "assign-random"
)

// ErrMalformedKeySet is returned when the document is not a JWK Set at all.
// Individual bad keys never produce this error; they are skipped. A key without
// a kid under RejectMissingKeyID is the exception and fails the set.
var ErrMalformedKeySet = errors.New("malformed JWK set")

// ErrMissingKeyID marks a key that has no kid
var ErrMissingKeyID = errors.New("key has no kid")

// KeyLoadError describes a single key that could not be loaded
type KeyLoadError struct {
	Index int
	KeyID string
	Err   error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("key %d (kid %q): %v", e.Index, e.KeyID, e.Err)
}

func (e *KeyLoadError) Unwrap() error {
	return e.Err
}

type parseOptions struct {
	missingKeyID MissingKeyIDPolicy
}

// ParseOption configures ParseKeySet
type ParseOption func(*parseOptions)

// WithMissingKeyIDPolicy sets the policy for keys without a kid
func WithMissingKeyIDPolicy(p MissingKeyIDPolicy) ParseOption {
	return func(o *parseOptions) {
		o.missingKeyID = p
	}
}

// ParseKeySet parses an RFC 7517 JWK Set document.
//
// Keys that cannot be loaded (unknown kty, bad encoding) are skipped with a warning
// and reported in the second return value. The error is non-nil when the document
// itself is malformed or, under RejectMissingKeyID, when any key lacks a kid.
func ParseKeySet(data []byte, opts ...ParseOption) ([]*KeyMaterial, []*KeyLoadError, error) {
	o := parseOptions{missingKeyID: RejectMissingKeyID}
	for _, opt := range opts {
		opt(&o)
	}

	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKeySet, err)
	}
	if raw.Keys == nil {
		return nil, nil, fmt.Errorf("%w: missing \"keys\" member", ErrMalformedKeySet)
	}

	keys := make([]*KeyMaterial, 0, len(raw.Keys))
	var skipped []*KeyLoadError
	for i, entry := range raw.Keys {
		km, err := parseKey(entry, o)
		if err != nil {
			var member struct {
				Kid string `json:"kid"`
			}
			_ = json.Unmarshal(entry, &member)
			if errors.Is(err, ErrMissingKeyID) {
				return nil, nil, fmt.Errorf("%w: %w", ErrMalformedKeySet, &KeyLoadError{Index: i, Err: err})
			}
			slog.Warn("Skipping key in key set", "index", i, "kid", member.Kid, "error", err)
			skipped = append(skipped, &KeyLoadError{Index: i, KeyID: member.Kid, Err: err})
			continue
		}
		keys = append(keys, km)
	}

	return keys, skipped, nil
}

func parseKey(entry json.RawMessage, o parseOptions) (*KeyMaterial, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(entry); err != nil {
		return nil, err
	}

	km, err := FromJSONWebKey(jwk)
	if err != nil {
		return nil, err
	}

	if km.ID == "" {
		switch o.missingKeyID {
		case AssignRandomKeyID:
			km.ID = uuid.New().String()
			slog.Info("Assigned random kid to key without one", "kid", km.ID)
		default:
			return nil, ErrMissingKeyID
		}
	}

	return km, nil
}

// PublicKeySet returns the go-jose key set holding the public projection of keys.
// Symmetric keys are never included.
func PublicKeySet(keys []*KeyMaterial) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		if jwk, ok := k.PublicJSONWebKey(); ok {
			set.Keys = append(set.Keys, jwk)
		}
	}
	return set
}

// MarshalPublicKeySet serializes the public projection of keys as a JWK Set
func MarshalPublicKeySet(keys []*KeyMaterial) ([]byte, error) {
	return json.Marshal(PublicKeySet(keys))
}

// MarshalKeySet serializes keys including private members. Only for trusted storage.
func MarshalKeySet(keys []*KeyMaterial) ([]byte, error) {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.JSONWebKey())
	}
	return json.Marshal(set)
}

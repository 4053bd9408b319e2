package jwks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// KeyStoreService manages the provider's own keys: generation, rotation and listing.
// The keys it holds feed the provider SigningService.
type KeyStoreService struct {
	repository KeyRepository
	retain     int
	rsaBits    int
}

// Option configures a KeyStoreService
type Option func(*KeyStoreService)

// WithRetainedKeys sets how many inactive keys survive a rotation (for verifying old tokens)
func WithRetainedKeys(n int) Option {
	return func(s *KeyStoreService) {
		s.retain = n
	}
}

// WithRSAKeySize sets the modulus size of generated RSA keys
func WithRSAKeySize(bits int) Option {
	return func(s *KeyStoreService) {
		s.rsaBits = bits
	}
}

// NewKeyStoreService creates a key store service over the provided repository
func NewKeyStoreService(repository KeyRepository, opts ...Option) *KeyStoreService {
	s := &KeyStoreService{
		repository: repository,
		retain:     2,
		rsaBits:    2048,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureActiveKey generates an active key for alg when the store has no active key
func (s *KeyStoreService) EnsureActiveKey(ctx context.Context, alg string) (*StoredKey, error) {
	if active, err := s.repository.GetActiveKey(ctx); err == nil {
		return active, nil
	}

	keys, err := s.repository.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	if len(keys) > 0 {
		if err := s.repository.SetActiveKey(ctx, keys[0].Kid()); err != nil {
			return nil, fmt.Errorf("failed to set active key: %w", err)
		}
		keys[0].Active = true
		return keys[0], nil
	}

	key, err := s.GenerateKey(ctx, alg)
	if err != nil {
		return nil, err
	}
	if err := s.repository.SetActiveKey(ctx, key.Kid()); err != nil {
		return nil, fmt.Errorf("failed to set active key: %w", err)
	}
	key.Active = true
	slog.Info("Generated initial signing key", "kid", key.Kid(), "alg", alg)
	return key, nil
}

// GenerateKey generates a new inactive key for alg and adds it to the store.
// The family follows the algorithm prefix: RS/PS → RSA, ES → EC, HS → symmetric.
func (s *KeyStoreService) GenerateKey(ctx context.Context, alg string) (*StoredKey, error) {
	kid := uuid.New().String()

	var km *KeyMaterial
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		key, err := GenerateRSAKeyPair(s.rsaBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
		}
		km = NewRSAKey(kid, key, alg)
	case strings.HasPrefix(alg, "ES"):
		key, err := GenerateECKeyPair(alg)
		if err != nil {
			return nil, fmt.Errorf("failed to generate EC key pair: %w", err)
		}
		km = NewECKey(kid, key, alg)
	case strings.HasPrefix(alg, "HS"):
		secret, err := GenerateSymmetricSecret(alg)
		if err != nil {
			return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
		}
		km = NewSymmetricKey(kid, secret, alg)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}

	now := time.Now().UTC()
	key := &StoredKey{Material: km, CreatedAt: now, UpdatedAt: now}
	if err := s.repository.AddKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to add new key: %w", err)
	}

	slog.Info("Generated new key", "kid", kid, "alg", alg, "family", km.Family)
	return key, nil
}

// ImportKey adds existing key material to the store
func (s *KeyStoreService) ImportKey(ctx context.Context, km *KeyMaterial, active bool) error {
	now := time.Now().UTC()
	if err := s.repository.AddKey(ctx, &StoredKey{Material: km, CreatedAt: now, UpdatedAt: now}); err != nil {
		return err
	}
	if active {
		return s.repository.SetActiveKey(ctx, km.ID)
	}
	return nil
}

// RotateKeys generates a new key, makes it active, then prunes inactive keys beyond the retain count.
// The new key exists before the old one is deactivated.
func (s *KeyStoreService) RotateKeys(ctx context.Context, alg string) (*StoredKey, error) {
	newKey, err := s.GenerateKey(ctx, alg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate new key for rotation: %w", err)
	}

	if err := s.repository.SetActiveKey(ctx, newKey.Kid()); err != nil {
		return nil, fmt.Errorf("failed to set new key as active: %w", err)
	}
	newKey.Active = true

	if err := s.pruneInactive(ctx); err != nil {
		slog.Warn("Failed to prune inactive keys", "error", err)
	}

	slog.Info("Rotated signing keys", "new_active_kid", newKey.Kid())
	return newKey, nil
}

func (s *KeyStoreService) pruneInactive(ctx context.Context) error {
	keys, err := s.repository.ListKeys(ctx)
	if err != nil {
		return err
	}

	// newest inactive keys are at the end
	var inactive []*StoredKey
	for _, k := range keys {
		if !k.Active {
			inactive = append(inactive, k)
		}
	}
	for i := 0; i < len(inactive)-s.retain; i++ {
		if err := s.repository.DeleteKey(ctx, inactive[i].Kid()); err != nil {
			return err
		}
		slog.Info("Removed retired key", "kid", inactive[i].Kid())
	}
	return nil
}

// ActiveKey returns the currently active signing key
func (s *KeyStoreService) ActiveKey(ctx context.Context) (*StoredKey, error) {
	return s.repository.GetActiveKey(ctx)
}

// ListKeys returns all stored keys in insertion order
func (s *KeyStoreService) ListKeys(ctx context.Context) ([]*StoredKey, error) {
	return s.repository.ListKeys(ctx)
}

// KeyMaterials returns the material of every stored key in insertion order
func (s *KeyStoreService) KeyMaterials(ctx context.Context) ([]*KeyMaterial, error) {
	keys, err := s.repository.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	materials := make([]*KeyMaterial, 0, len(keys))
	for _, k := range keys {
		materials = append(materials, k.Material)
	}
	return materials, nil
}

// PublicKeySet returns the public JWK Set of all stored keys
func (s *KeyStoreService) PublicKeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	materials, err := s.KeyMaterials(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return PublicKeySet(materials), nil
}

// CleanupOldKeys removes keys older than the specified duration
func (s *KeyStoreService) CleanupOldKeys(ctx context.Context, maxAge time.Duration) error {
	return s.repository.CleanupOldKeys(ctx, maxAge)
}

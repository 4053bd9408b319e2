package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tendant/simple-idp/pkg/errors"
)

// Repository persists issued tokens. Lookups by value return an errors.ErrCodeNotFound
// error for unknown tokens; deletes are idempotent. Repositories may drop expired
// tokens on their own but are not required to.
type Repository interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessTokenByValue(ctx context.Context, value string) (*AccessToken, error)
	DeleteAccessToken(ctx context.Context, id string) error
	// DeleteAccessTokensForRefreshToken removes every access token issued from the refresh token
	DeleteAccessTokensForRefreshToken(ctx context.Context, refreshTokenID string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshTokenByValue(ctx context.Context, value string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, id string) error

	// WithTx returns a repository bound to tx, or the same repository when tx is not supported
	WithTx(tx interface{}) Repository
}

// valueDigest is the lookup key for a token value
func valueDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ttlUntil returns the storage lifetime for an expiration; zero means no expiry.
// Already expired tokens get the shortest positive lifetime.
func ttlUntil(exp time.Time) time.Duration {
	if exp.IsZero() {
		return 0
	}
	if ttl := time.Until(exp); ttl > time.Millisecond {
		return ttl
	}
	return time.Millisecond
}

const (
	memAccessPrefix       = "at:"
	memAccessValuePrefix  = "atv:"
	memRefreshPrefix      = "rt:"
	memRefreshValuePrefix = "rtv:"
)

// MemoryRepository keeps tokens in a go-cache store. Tokens vanish at expiry and a
// janitor sweeps them every sweepInterval.
type MemoryRepository struct {
	store *cache.Cache
	mutex sync.Mutex
}

// NewMemoryRepository creates an in-memory token repository
func NewMemoryRepository(sweepInterval time.Duration) *MemoryRepository {
	return &MemoryRepository{
		store: cache.New(cache.NoExpiration, sweepInterval),
	}
}

func memoryTTL(exp time.Time) time.Duration {
	if ttl := ttlUntil(exp); ttl > 0 {
		return ttl
	}
	return cache.NoExpiration
}

// SaveAccessToken stores or replaces an access token
func (r *MemoryRepository) SaveAccessToken(ctx context.Context, token *AccessToken) error {
	stored := token.Clone()
	stored.RefreshToken = nil

	r.mutex.Lock()
	defer r.mutex.Unlock()

	ttl := memoryTTL(token.Expiration)
	r.store.Set(memAccessPrefix+token.ID, stored, ttl)
	r.store.Set(memAccessValuePrefix+valueDigest(token.Value), token.ID, ttl)
	return nil
}

// GetAccessTokenByValue finds an access token by its compact value
func (r *MemoryRepository) GetAccessTokenByValue(ctx context.Context, value string) (*AccessToken, error) {
	id, ok := r.store.Get(memAccessValuePrefix + valueDigest(value))
	if !ok {
		return nil, errors.NotFound("access token", "value")
	}
	t, ok := r.store.Get(memAccessPrefix + id.(string))
	if !ok {
		return nil, errors.NotFound("access token", id.(string))
	}
	return t.(*AccessToken).Clone(), nil
}

// DeleteAccessToken removes an access token
func (r *MemoryRepository) DeleteAccessToken(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.deleteAccessToken(id)
	return nil
}

func (r *MemoryRepository) deleteAccessToken(id string) {
	if t, ok := r.store.Get(memAccessPrefix + id); ok {
		r.store.Delete(memAccessValuePrefix + valueDigest(t.(*AccessToken).Value))
	}
	r.store.Delete(memAccessPrefix + id)
}

// DeleteAccessTokensForRefreshToken removes every access token linked to refreshTokenID
func (r *MemoryRepository) DeleteAccessTokensForRefreshToken(ctx context.Context, refreshTokenID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for key, item := range r.store.Items() {
		if !strings.HasPrefix(key, memAccessPrefix) {
			continue
		}
		if t := item.Object.(*AccessToken); t.RefreshTokenID == refreshTokenID {
			r.deleteAccessToken(t.ID)
		}
	}
	return nil
}

// SaveRefreshToken stores or replaces a refresh token
func (r *MemoryRepository) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	stored := token.Clone()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	ttl := memoryTTL(token.Expiration)
	r.store.Set(memRefreshPrefix+token.ID, stored, ttl)
	r.store.Set(memRefreshValuePrefix+valueDigest(token.Value), token.ID, ttl)
	return nil
}

// GetRefreshTokenByValue finds a refresh token by its compact value
func (r *MemoryRepository) GetRefreshTokenByValue(ctx context.Context, value string) (*RefreshToken, error) {
	id, ok := r.store.Get(memRefreshValuePrefix + valueDigest(value))
	if !ok {
		return nil, errors.NotFound("refresh token", "value")
	}
	t, ok := r.store.Get(memRefreshPrefix + id.(string))
	if !ok {
		return nil, errors.NotFound("refresh token", id.(string))
	}
	return t.(*RefreshToken).Clone(), nil
}

// DeleteRefreshToken removes a refresh token. Linked access tokens are left alone.
func (r *MemoryRepository) DeleteRefreshToken(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if t, ok := r.store.Get(memRefreshPrefix + id); ok {
		r.store.Delete(memRefreshValuePrefix + valueDigest(t.(*RefreshToken).Value))
	}
	r.store.Delete(memRefreshPrefix + id)
	return nil
}

// WithTx returns the same instance since there are no transactions in memory
func (r *MemoryRepository) WithTx(tx interface{}) Repository {
	return r
}

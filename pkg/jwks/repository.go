package jwks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KeyRepository defines the interface for provider key storage operations
type KeyRepository interface {
	// GetKeyByID retrieves a key by its ID
	GetKeyByID(ctx context.Context, kid string) (*StoredKey, error)

	// GetActiveKey retrieves the currently active signing key
	GetActiveKey(ctx context.Context) (*StoredKey, error)

	// AddKey adds a new key to the store
	AddKey(ctx context.Context, key *StoredKey) error

	// DeleteKey removes a key by its ID
	DeleteKey(ctx context.Context, kid string) error

	// SetActiveKey sets a key as active and deactivates others
	SetActiveKey(ctx context.Context, kid string) error

	// ListKeys returns all keys in insertion order
	ListKeys(ctx context.Context) ([]*StoredKey, error)

	// CleanupOldKeys removes keys older than the specified duration, preserving active keys
	CleanupOldKeys(ctx context.Context, maxAge time.Duration) error

	// WithTx returns a new repository instance that uses the provided transaction
	WithTx(tx interface{}) KeyRepository
}

// keyList holds the shared list logic for the in-memory and file repositories.
// Callers hold the owning repository's lock.
type keyList struct {
	keys []StoredKey
}

func (l *keyList) get(kid string) (*StoredKey, error) {
	for _, k := range l.keys {
		if k.Kid() == kid {
			keyCopy := k
			return &keyCopy, nil
		}
	}
	return nil, fmt.Errorf("key not found: %s", kid)
}

func (l *keyList) active() (*StoredKey, error) {
	for _, k := range l.keys {
		if k.Active {
			keyCopy := k
			return &keyCopy, nil
		}
	}
	return nil, fmt.Errorf("no active key found")
}

func (l *keyList) add(key *StoredKey) error {
	if key.Material == nil || key.Material.ID == "" {
		return fmt.Errorf("key has no kid")
	}
	for _, existing := range l.keys {
		if existing.Kid() == key.Kid() {
			return fmt.Errorf("key already exists: %s", key.Kid())
		}
	}
	l.keys = append(l.keys, *key)
	return nil
}

func (l *keyList) delete(kid string) error {
	for i, k := range l.keys {
		if k.Kid() == kid {
			l.keys = append(l.keys[:i], l.keys[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("key not found: %s", kid)
}

func (l *keyList) setActive(kid string) error {
	found := false
	for i := range l.keys {
		if l.keys[i].Kid() == kid {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("key not found: %s", kid)
	}

	now := time.Now().UTC()
	for i := range l.keys {
		active := l.keys[i].Kid() == kid
		if l.keys[i].Active != active {
			l.keys[i].Active = active
			l.keys[i].UpdatedAt = now
		}
	}
	return nil
}

func (l *keyList) list() []*StoredKey {
	keys := make([]*StoredKey, len(l.keys))
	for i, k := range l.keys {
		keyCopy := k
		keys[i] = &keyCopy
	}
	return keys
}

func (l *keyList) cleanup(maxAge time.Duration) {
	cutoffTime := time.Now().Add(-maxAge).UTC()
	var keysToKeep []StoredKey
	for _, k := range l.keys {
		// Always keep the active key, regardless of age
		if k.Active || k.CreatedAt.After(cutoffTime) {
			keysToKeep = append(keysToKeep, k)
		}
	}
	l.keys = keysToKeep
}

// InMemoryKeyRepository implements KeyRepository using in-memory storage
type InMemoryKeyRepository struct {
	store keyList
	mutex sync.RWMutex
}

// NewInMemoryKeyRepository creates a new in-memory key repository
func NewInMemoryKeyRepository() *InMemoryKeyRepository {
	return &InMemoryKeyRepository{}
}

func (r *InMemoryKeyRepository) GetKeyByID(ctx context.Context, kid string) (*StoredKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.store.get(kid)
}

func (r *InMemoryKeyRepository) GetActiveKey(ctx context.Context) (*StoredKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.store.active()
}

func (r *InMemoryKeyRepository) AddKey(ctx context.Context, key *StoredKey) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.store.add(key)
}

func (r *InMemoryKeyRepository) DeleteKey(ctx context.Context, kid string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.store.delete(kid)
}

func (r *InMemoryKeyRepository) SetActiveKey(ctx context.Context, kid string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.store.setActive(kid)
}

func (r *InMemoryKeyRepository) ListKeys(ctx context.Context) ([]*StoredKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.store.list(), nil
}

func (r *InMemoryKeyRepository) CleanupOldKeys(ctx context.Context, maxAge time.Duration) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.store.cleanup(maxAge)
	return nil
}

// WithTx returns the same instance since there are no transactions in memory
func (r *InMemoryKeyRepository) WithTx(tx interface{}) KeyRepository {
	return r
}

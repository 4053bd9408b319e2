package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileKeyRepository implements KeyRepository on top of a single JSON file.
// The file holds private keys and is written with owner-only permissions.
type FileKeyRepository struct {
	path  string
	store keyList
	mutex sync.RWMutex
}

// NewFileKeyRepository creates a file-based key repository, loading existing keys from path
func NewFileKeyRepository(path string) (*FileKeyRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	repo := &FileKeyRepository{path: path}
	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load key store: %w", err)
	}
	return repo, nil
}

func (r *FileKeyRepository) GetKeyByID(ctx context.Context, kid string) (*StoredKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.store.get(kid)
}

func (r *FileKeyRepository) GetActiveKey(ctx context.Context) (*StoredKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.store.active()
}

func (r *FileKeyRepository) AddKey(ctx context.Context, key *StoredKey) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.store.add(key); err != nil {
		return err
	}
	return r.save()
}

func (r *FileKeyRepository) DeleteKey(ctx context.Context, kid string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.store.delete(kid); err != nil {
		return err
	}
	return r.save()
}

func (r *FileKeyRepository) SetActiveKey(ctx context.Context, kid string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.store.setActive(kid); err != nil {
		return err
	}
	return r.save()
}

func (r *FileKeyRepository) ListKeys(ctx context.Context) ([]*StoredKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.store.list(), nil
}

func (r *FileKeyRepository) CleanupOldKeys(ctx context.Context, maxAge time.Duration) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.store.cleanup(maxAge)
	return r.save()
}

// WithTx returns the same instance; file storage has no transactions
func (r *FileKeyRepository) WithTx(tx interface{}) KeyRepository {
	return r
}

func (r *FileKeyRepository) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	// If file is empty, start with empty keystore
	if len(data) == 0 {
		return nil
	}

	var ks KeyStore
	if err := json.Unmarshal(data, &ks); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	r.store.keys = ks.Keys
	return nil
}

// save writes the key store to file atomically
func (r *FileKeyRepository) save() error {
	data, err := json.MarshalIndent(KeyStore{Keys: r.store.keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tempFile := r.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, r.path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

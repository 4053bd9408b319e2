package oauth2client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-idp/pkg/errors"
)

// FileOAuth2ClientRepository implements OAuth2ClientRepository using file-based storage.
// When an EncryptionService is configured, client secrets are encrypted at rest.
type FileOAuth2ClientRepository struct {
	dataDir    string
	encryption *EncryptionService
	clients    map[string]*OAuth2ClientEntity
	mutex      sync.RWMutex
}

// FileRepositoryOption configures a FileOAuth2ClientRepository
type FileRepositoryOption func(*FileOAuth2ClientRepository)

// WithSecretEncryption encrypts client secrets with enc before writing them to disk
func WithSecretEncryption(enc *EncryptionService) FileRepositoryOption {
	return func(r *FileOAuth2ClientRepository) {
		r.encryption = enc
	}
}

// NewFileOAuth2ClientRepository creates a new file-based OAuth2 client repository
func NewFileOAuth2ClientRepository(dataDir string, opts ...FileRepositoryOption) (*FileOAuth2ClientRepository, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	repo := &FileOAuth2ClientRepository{
		dataDir: dataDir,
		clients: make(map[string]*OAuth2ClientEntity),
	}
	for _, opt := range opts {
		opt(repo)
	}

	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}
	return repo, nil
}

// GetClient retrieves an OAuth2 client by client ID
func (r *FileOAuth2ClientRepository) GetClient(ctx context.Context, clientID string) (*OAuth2Client, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entity, exists := r.clients[clientID]
	if !exists || !entity.IsActive {
		return nil, errors.NotFound("client", clientID)
	}
	return cloneClient(entity.OAuth2Client)
}

// CreateClient creates a new OAuth2 client and returns the created client
func (r *FileOAuth2ClientRepository) CreateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
	stored, err := cloneClient(client)
	if err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.clients[client.ClientID]; exists {
		return nil, errors.AlreadyExists("client", client.ClientID)
	}

	now := time.Now().UTC()
	r.clients[client.ClientID] = &OAuth2ClientEntity{
		OAuth2Client: stored,
		CreatedAt:    now,
		UpdatedAt:    now,
		IsActive:     true,
	}
	if err := r.save(); err != nil {
		delete(r.clients, client.ClientID)
		return nil, err
	}
	return cloneClient(stored)
}

// UpdateClient updates an existing OAuth2 client and returns the updated client
func (r *FileOAuth2ClientRepository) UpdateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
	stored, err := cloneClient(client)
	if err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	entity, exists := r.clients[client.ClientID]
	if !exists {
		return nil, errors.NotFound("client", client.ClientID)
	}

	entity.OAuth2Client = stored
	entity.UpdatedAt = time.Now().UTC()
	if err := r.save(); err != nil {
		return nil, err
	}
	return cloneClient(stored)
}

// DeleteClient removes an OAuth2 client by client ID
func (r *FileOAuth2ClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.clients[clientID]; !exists {
		return errors.NotFound("client", clientID)
	}
	delete(r.clients, clientID)
	return r.save()
}

// ListClients returns all registered OAuth2 clients ordered by client ID
func (r *FileOAuth2ClientRepository) ListClients(ctx context.Context) ([]*OAuth2Client, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	clients := make([]*OAuth2Client, 0, len(r.clients))
	for _, entity := range r.clients {
		if !entity.IsActive {
			continue
		}
		c, err := cloneClient(entity.OAuth2Client)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// WithTx returns self; file-based storage doesn't support transactions
func (r *FileOAuth2ClientRepository) WithTx(tx interface{}) OAuth2ClientRepository {
	return r
}

func (r *FileOAuth2ClientRepository) path() string {
	return filepath.Join(r.dataDir, "oauth2_clients.json")
}

// load reads OAuth2 client data from file
func (r *FileOAuth2ClientRepository) load() error {
	data, err := os.ReadFile(r.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var clients []*OAuth2ClientEntity
	if err := json.Unmarshal(data, &clients); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	r.clients = make(map[string]*OAuth2ClientEntity, len(clients))
	for _, entity := range clients {
		if r.encryption != nil && entity.ClientSecret != "" {
			secret, err := r.encryption.Decrypt(entity.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to decrypt secret of client %s: %w", entity.ClientID, err)
			}
			entity.ClientSecret = secret
		}
		r.clients[entity.ClientID] = entity
	}
	return nil
}

// save writes OAuth2 client data to file atomically
func (r *FileOAuth2ClientRepository) save() error {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	clients := make([]*OAuth2ClientEntity, 0, len(ids))
	for _, id := range ids {
		entity := r.clients[id]
		onDisk, err := cloneClient(entity.OAuth2Client)
		if err != nil {
			return err
		}
		if r.encryption != nil && onDisk.ClientSecret != "" {
			if onDisk.ClientSecret, err = r.encryption.Encrypt(onDisk.ClientSecret); err != nil {
				return fmt.Errorf("failed to encrypt secret of client %s: %w", id, err)
			}
		}
		clients = append(clients, &OAuth2ClientEntity{
			OAuth2Client: onDisk,
			CreatedAt:    entity.CreatedAt,
			UpdatedAt:    entity.UpdatedAt,
			IsActive:     entity.IsActive,
		})
	}

	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tempFile := r.path() + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, r.path()); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

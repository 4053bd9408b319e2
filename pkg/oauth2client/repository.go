package oauth2client

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/tendant/simple-idp/pkg/errors"
)

// OAuth2ClientRepository defines the interface for OAuth2 client data access operations
type OAuth2ClientRepository interface {
	// GetClient retrieves an OAuth2 client by client ID
	GetClient(ctx context.Context, clientID string) (*OAuth2Client, error)

	// CreateClient creates a new OAuth2 client and returns the created client
	CreateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error)

	// UpdateClient updates an existing OAuth2 client and returns the updated client
	UpdateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error)

	// DeleteClient removes an OAuth2 client by client ID
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients returns all registered OAuth2 clients ordered by client ID
	ListClients(ctx context.Context) ([]*OAuth2Client, error)

	// WithTx returns a new repository instance that uses the provided transaction
	WithTx(tx interface{}) OAuth2ClientRepository
}

// OAuth2ClientEntity is a stored client with bookkeeping metadata
type OAuth2ClientEntity struct {
	*OAuth2Client
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsActive  bool      `json:"is_active"`
}

// cloneClient deep copies a client so callers never share slices with the store
func cloneClient(client *OAuth2Client) (*OAuth2Client, error) {
	out := &OAuth2Client{}
	if err := copier.CopyWithOption(out, client, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("failed to copy client: %w", err)
	}
	return out, nil
}

// SecretMatches compares client secrets in constant time
func SecretMatches(expected, provided string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// InMemoryOAuth2ClientRepository implements OAuth2ClientRepository using in-memory storage
type InMemoryOAuth2ClientRepository struct {
	clients map[string]*OAuth2ClientEntity
	mutex   sync.RWMutex
}

// NewInMemoryOAuth2ClientRepository creates a new in-memory OAuth2 client repository
func NewInMemoryOAuth2ClientRepository() *InMemoryOAuth2ClientRepository {
	return &InMemoryOAuth2ClientRepository{
		clients: make(map[string]*OAuth2ClientEntity),
	}
}

// GetClient retrieves an OAuth2 client by client ID
func (r *InMemoryOAuth2ClientRepository) GetClient(ctx context.Context, clientID string) (*OAuth2Client, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entity, exists := r.clients[clientID]
	if !exists || !entity.IsActive {
		return nil, errors.NotFound("client", clientID)
	}

	// Return a copy to prevent external modifications
	return cloneClient(entity.OAuth2Client)
}

// CreateClient creates a new OAuth2 client and returns the created client
func (r *InMemoryOAuth2ClientRepository) CreateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
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
	return cloneClient(stored)
}

// UpdateClient updates an existing OAuth2 client and returns the updated client
func (r *InMemoryOAuth2ClientRepository) UpdateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
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
	return cloneClient(stored)
}

// DeleteClient removes an OAuth2 client by client ID
func (r *InMemoryOAuth2ClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.clients[clientID]; !exists {
		return errors.NotFound("client", clientID)
	}

	delete(r.clients, clientID)
	return nil
}

// ListClients returns all registered OAuth2 clients ordered by client ID
func (r *InMemoryOAuth2ClientRepository) ListClients(ctx context.Context) ([]*OAuth2Client, error) {
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

// WithTx returns the same instance since there are no transactions in memory
func (r *InMemoryOAuth2ClientRepository) WithTx(tx interface{}) OAuth2ClientRepository {
	return r
}

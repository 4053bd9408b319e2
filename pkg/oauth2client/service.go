package oauth2client

import (
	"context"
	"log/slog"

	"github.com/tendant/simple-idp/pkg/errors"
)

// ClientService provides methods for managing OAuth2 clients
type ClientService struct {
	repository OAuth2ClientRepository
}

// NewClientService creates a new client service with the provided repository
func NewClientService(repository OAuth2ClientRepository) *ClientService {
	return &ClientService{
		repository: repository,
	}
}

// GetClient retrieves a client by client ID
func (s *ClientService) GetClient(ctx context.Context, clientID string) (*OAuth2Client, error) {
	return s.repository.GetClient(ctx, clientID)
}

// RegisterClient validates and stores a new client
func (s *ClientService) RegisterClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
	if err := client.Validate(); err != nil {
		return nil, err
	}
	created, err := s.repository.CreateClient(ctx, client)
	if err != nil {
		return nil, err
	}
	slog.Info("Registered OAuth2 client", "client_id", created.ClientID, "jwks_uri", created.JWKSURI, "inline_jwks", created.HasInlineJWKS())
	return created, nil
}

// UpdateClient validates and replaces an existing client
func (s *ClientService) UpdateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
	if err := client.Validate(); err != nil {
		return nil, err
	}
	return s.repository.UpdateClient(ctx, client)
}

// DeleteClient removes a client
func (s *ClientService) DeleteClient(ctx context.Context, clientID string) error {
	return s.repository.DeleteClient(ctx, clientID)
}

// Authenticate checks client credentials. Unknown clients and wrong secrets
// produce the same error.
func (s *ClientService) Authenticate(ctx context.Context, clientID, clientSecret string) (*OAuth2Client, error) {
	if clientID == "" {
		return nil, errors.InvalidClient("client authentication failed")
	}

	client, err := s.repository.GetClient(ctx, clientID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			slog.Debug("Unknown client", "client_id", clientID)
			return nil, errors.InvalidClient("client authentication failed")
		}
		return nil, err
	}

	if !SecretMatches(client.ClientSecret, clientSecret) {
		slog.Debug("Client secret mismatch", "client_id", clientID)
		return nil, errors.InvalidClient("client authentication failed")
	}
	return client, nil
}

// ListClients returns all registered clients
func (s *ClientService) ListClients(ctx context.Context) ([]*OAuth2Client, error) {
	return s.repository.ListClients(ctx)
}

package oauth2client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tendant/simple-idp/pkg/config"
	"github.com/tendant/simple-idp/pkg/errors"
)

// EnvOAuth2ClientRepository loads OAuth2 clients from environment variables.
// It is read-only and suits deployments with a handful of known clients.
type EnvOAuth2ClientRepository struct {
	clients map[string]*OAuth2Client
}

// NewEnvOAuth2ClientRepository creates a repository from environment variables.
// Environment variable format:
//
//	OAUTH2_CLIENTS=client1,client2
//	OAUTH2_CLIENT_CLIENT1_ID=my_client_id
//	OAUTH2_CLIENT_CLIENT1_SECRET=my_secret
//	OAUTH2_CLIENT_CLIENT1_NAME=My App
//	OAUTH2_CLIENT_CLIENT1_SCOPES=openid,profile,email
//	OAUTH2_CLIENT_CLIENT1_GRANT_TYPES=authorization_code,refresh_token
//	OAUTH2_CLIENT_CLIENT1_JWKS_URI=https://app.example.com/jwks.json
//	OAUTH2_CLIENT_CLIENT1_JWKS={"keys":[...]}
//	OAUTH2_CLIENT_CLIENT1_ACCESS_TOKEN_VALIDITY=3600
//	OAUTH2_CLIENT_CLIENT1_REFRESH_TOKEN_VALIDITY=2592000
//	OAUTH2_CLIENT_CLIENT1_REUSE_REFRESH_TOKEN=true
//	OAUTH2_CLIENT_CLIENT1_CLEAR_ACCESS_TOKENS_ON_REFRESH=true
//	OAUTH2_CLIENT_CLIENT1_ENCRYPT_ID_TOKEN=false
func NewEnvOAuth2ClientRepository() (*EnvOAuth2ClientRepository, error) {
	repo := &EnvOAuth2ClientRepository{
		clients: make(map[string]*OAuth2Client),
	}

	if err := repo.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load OAuth2 clients from environment: %w", err)
	}
	return repo, nil
}

func (r *EnvOAuth2ClientRepository) loadFromEnv() error {
	for _, name := range config.GetEnvSlice("OAUTH2_CLIENTS", nil) {
		prefix := fmt.Sprintf("OAUTH2_CLIENT_%s_", strings.ToUpper(name))

		client := &OAuth2Client{
			ClientID:                    os.Getenv(prefix + "ID"),
			ClientSecret:                os.Getenv(prefix + "SECRET"),
			ClientName:                  config.GetEnvOrDefault(prefix+"NAME", name),
			ClientType:                  config.GetEnvOrDefault(prefix+"TYPE", "confidential"),
			RedirectURIs:                config.GetEnvSlice(prefix+"REDIRECT_URIS", nil),
			Scopes:                      config.GetEnvSlice(prefix+"SCOPES", []string{"openid", "profile", "email"}),
			GrantTypes:                  config.GetEnvSlice(prefix+"GRANT_TYPES", []string{GrantAuthorizationCode, GrantRefreshToken}),
			ResponseTypes:               []string{"code"},
			JWKSURI:                     os.Getenv(prefix + "JWKS_URI"),
			Audience:                    config.GetEnvSlice(prefix+"AUDIENCE", nil),
			AccessTokenValiditySeconds:  config.GetEnvInt(prefix+"ACCESS_TOKEN_VALIDITY", 0),
			RefreshTokenValiditySeconds: config.GetEnvInt(prefix+"REFRESH_TOKEN_VALIDITY", 0),
			ReuseRefreshToken:           config.GetEnvBool(prefix+"REUSE_REFRESH_TOKEN", true),
			ClearAccessTokensOnRefresh:  config.GetEnvBool(prefix+"CLEAR_ACCESS_TOKENS_ON_REFRESH", true),
			EncryptIDToken:              config.GetEnvBool(prefix+"ENCRYPT_ID_TOKEN", false),
		}
		if raw := os.Getenv(prefix + "JWKS"); raw != "" {
			client.JWKS = json.RawMessage(raw)
		}

		if client.ClientID == "" {
			return fmt.Errorf("client %s missing required field: ID (set %sID)", name, prefix)
		}
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %s: %w", name, err)
		}
		r.clients[client.ClientID] = client
	}
	return nil
}

// GetClient retrieves an OAuth2 client by client ID
func (r *EnvOAuth2ClientRepository) GetClient(ctx context.Context, clientID string) (*OAuth2Client, error) {
	client, exists := r.clients[clientID]
	if !exists {
		return nil, errors.NotFound("client", clientID)
	}
	return cloneClient(client)
}

// CreateClient is not supported for environment-based repository (read-only)
func (r *EnvOAuth2ClientRepository) CreateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
	return nil, errors.Forbidden("environment client repository is read-only")
}

// UpdateClient is not supported for environment-based repository (read-only)
func (r *EnvOAuth2ClientRepository) UpdateClient(ctx context.Context, client *OAuth2Client) (*OAuth2Client, error) {
	return nil, errors.Forbidden("environment client repository is read-only")
}

// DeleteClient is not supported for environment-based repository (read-only)
func (r *EnvOAuth2ClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	return errors.Forbidden("environment client repository is read-only")
}

// ListClients returns all clients loaded from the environment ordered by client ID
func (r *EnvOAuth2ClientRepository) ListClients(ctx context.Context) ([]*OAuth2Client, error) {
	clients := make([]*OAuth2Client, 0, len(r.clients))
	for _, client := range r.clients {
		c, err := cloneClient(client)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// WithTx returns self; environment storage has no transactions
func (r *EnvOAuth2ClientRepository) WithTx(tx interface{}) OAuth2ClientRepository {
	return r
}

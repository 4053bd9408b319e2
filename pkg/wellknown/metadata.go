package wellknown

import (
	"strings"

	"github.com/tendant/simple-idp/pkg/token"
)

// Default endpoint paths, relative to Config.BaseURL
const (
	JWKSPath          = "/jwks"
	WellKnownJWKSPath = "/.well-known/jwks.json"
	TokenPath         = "/oauth2/token"
	IntrospectionPath = "/oauth2/introspect"
	RevocationPath    = "/oauth2/revoke"
)

// Client authentication methods accepted by the token, introspection and revocation endpoints
var authMethods = []string{"client_secret_basic", "client_secret_post", "client_secret_jwt", "private_key_jwt"}

// ProtectedResourceMetadata represents the OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728: https://datatracker.ietf.org/doc/html/rfc9728
type ProtectedResourceMetadata struct {
	// REQUIRED: The resource identifier for the protected resource
	Resource string `json:"resource"`

	// REQUIRED: Array of authorization server identifiers that can issue tokens for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// OPTIONAL: Array of scope values that the resource server uses for access control
	Scopes []string `json:"scopes,omitempty"`

	// OPTIONAL: Array of methods supported for presenting bearer tokens
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	ResourceDocumentation string `json:"resource_documentation,omitempty"`
}

// AuthorizationServerMetadata represents the OAuth 2.0 Authorization Server Metadata
// as defined in RFC 8414, with the OpenID Connect Discovery 1.0 members this provider supports.
type AuthorizationServerMetadata struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JwksURI       string `json:"jwks_uri"`

	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`

	ScopesSupported     []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported []string `json:"grant_types_supported"`

	TokenEndpointAuthMethodsSupported                  []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported         []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	IntrospectionEndpointAuthMethodsSupported          []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported             []string `json:"revocation_endpoint_auth_methods_supported"`
	IDTokenSigningAlgValuesSupported                   []string `json:"id_token_signing_alg_values_supported,omitempty"`
	IntrospectionEndpointAuthSigningAlgValuesSupported []string `json:"introspection_endpoint_auth_signing_alg_values_supported,omitempty"`

	// OpenID Connect only
	SubjectTypesSupported []string `json:"subject_types_supported,omitempty"`
}

// Config holds configuration for well-known endpoints
type Config struct {
	// Issuer is the authorization server identifier, the "iss" of every token
	Issuer string

	// BaseURL is prepended to endpoint paths; defaults to Issuer
	BaseURL string

	// ResourceURI is the canonical URI of the protected resource; defaults to Issuer
	ResourceURI string

	// Supported scopes
	Scopes []string

	// Documentation URL for this resource server
	ResourceDocumentation string

	// ClientAssertionAlgorithms lists the JWS algorithms accepted in client assertions
	ClientAssertionAlgorithms []string
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return strings.TrimSuffix(c.Issuer, "/")
}

func (c Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{token.ScopeOpenID, "profile", "email", token.ScopeOfflineAccess}
	}
	return c.Scopes
}

// NewProtectedResourceMetadata creates a new ProtectedResourceMetadata instance
func NewProtectedResourceMetadata(config Config) *ProtectedResourceMetadata {
	resource := config.ResourceURI
	if resource == "" {
		resource = config.Issuer
	}
	return &ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{config.Issuer},
		Scopes:                 config.scopes(),
		BearerMethodsSupported: []string{"header"},
		ResourceDocumentation:  config.ResourceDocumentation,
	}
}

// NewAuthorizationServerMetadata creates the discovery document. signingAlgs are the
// algorithms the provider signs ID tokens with.
func NewAuthorizationServerMetadata(config Config, signingAlgs []string) *AuthorizationServerMetadata {
	base := config.baseURL()
	return &AuthorizationServerMetadata{
		Issuer:                                             config.Issuer,
		TokenEndpoint:                                      base + TokenPath,
		JwksURI:                                            base + JWKSPath,
		IntrospectionEndpoint:                              base + IntrospectionPath,
		RevocationEndpoint:                                 base + RevocationPath,
		ScopesSupported:                                    config.scopes(),
		GrantTypesSupported:                                []string{"client_credentials", "refresh_token"},
		TokenEndpointAuthMethodsSupported:                  authMethods,
		TokenEndpointAuthSigningAlgValuesSupported:         config.ClientAssertionAlgorithms,
		IntrospectionEndpointAuthMethodsSupported:          authMethods,
		RevocationEndpointAuthMethodsSupported:             authMethods,
		IDTokenSigningAlgValuesSupported:                   signingAlgs,
		IntrospectionEndpointAuthSigningAlgValuesSupported: config.ClientAssertionAlgorithms,
		SubjectTypesSupported:                              []string{"public"},
	}
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/signing"
)

// ClientAssertionType is the RFC 7523 client_assertion_type for JWT client authentication
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAuthenticator checks a client id and secret
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, clientID, clientSecret string) (*oauth2client.OAuth2Client, error)
	GetClient(ctx context.Context, clientID string) (*oauth2client.OAuth2Client, error)
}

// ValidatorResolver resolves the service verifying a client's signed assertions, or nil
type ValidatorResolver interface {
	ResolveValidator(ctx context.Context, client *oauth2client.OAuth2Client, alg string) *signing.Service
}

// authenticateClient accepts HTTP Basic, client_secret_post, and when a resolver is
// configured private_key_jwt / client_secret_jwt assertions
func (h *Handle) authenticateClient(r *http.Request) (*oauth2client.OAuth2Client, error) {
	ctx := r.Context()

	if r.PostFormValue("client_assertion_type") == ClientAssertionType {
		return h.authenticateAssertion(ctx, r.PostFormValue("client_id"), r.PostFormValue("client_assertion"))
	}

	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1 form-encodes both values
		clientID, err := url.QueryUnescape(id)
		if err != nil {
			return nil, errors.InvalidClient("malformed client credentials")
		}
		clientSecret, err := url.QueryUnescape(secret)
		if err != nil {
			return nil, errors.InvalidClient("malformed client credentials")
		}
		return h.clients.Authenticate(ctx, clientID, clientSecret)
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, errors.InvalidClient("client authentication required")
	}
	return h.clients.Authenticate(ctx, clientID, clientSecret)
}

// authenticateAssertion verifies an RFC 7523 client assertion with the client's own keys
func (h *Handle) authenticateAssertion(ctx context.Context, formClientID, assertion string) (*oauth2client.OAuth2Client, error) {
	if h.validators == nil {
		return nil, errors.InvalidClient("client assertions are not supported")
	}
	if assertion == "" {
		return nil, errors.InvalidClient("missing client assertion")
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return nil, errors.InvalidClient("malformed client assertion")
	}
	claims := unverified.Claims.(jwt.MapClaims)
	issuer, _ := claims["iss"].(string)
	if issuer == "" || (formClientID != "" && formClientID != issuer) {
		return nil, errors.InvalidClient("client assertion issuer mismatch")
	}

	client, err := h.clients.GetClient(ctx, issuer)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidClient("client authentication failed")
		}
		return nil, err
	}

	validator := h.validators.ResolveValidator(ctx, client, unverified.Method.Alg())
	if validator == nil {
		return nil, errors.InvalidClient("no key to verify the client assertion")
	}
	verified, err := validator.Parse(assertion)
	if err != nil {
		slog.Debug("Client assertion rejected", "client_id", issuer, "error", err)
		return nil, errors.InvalidClient("client assertion verification failed")
	}

	if sub, _ := verified["sub"].(string); sub != issuer {
		return nil, errors.InvalidClient("client assertion subject mismatch")
	}
	if _, ok := verified["exp"]; !ok {
		return nil, errors.InvalidClient("client assertion must expire")
	}
	aud, err := verified.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(h.audiences, a) }) {
		return nil, errors.InvalidClient("client assertion audience mismatch")
	}

	slog.Debug("Client authenticated by assertion", "client_id", issuer, "alg", unverified.Method.Alg())
	return client, nil
}

// NewAssertion builds the claims of a client assertion for clientID addressed to audience
func NewAssertion(clientID, audience, jti string, lifetime time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"jti": jti,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
}

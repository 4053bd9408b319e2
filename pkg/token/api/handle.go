package api

import (
	stderrors "errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/ory/fosite"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/introspection"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/token"
)

// Endpoint paths served by Handle
const (
	TokenPath         = "/oauth2/token"
	IntrospectionPath = "/oauth2/introspect"
	RevocationPath    = "/oauth2/revoke"
)

// Grant types accepted at the token endpoint
const (
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenResponse is the RFC 6749 5.1 success body
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// ErrorResponse is the RFC 6749 5.2 error body
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Handle serves the token, introspection and revocation endpoints
type Handle struct {
	tokens        *token.Service
	introspection *introspection.Service
	clients       ClientAuthenticator
	validators    ValidatorResolver
	audiences     []string
}

// Option configures a Handle
type Option func(*Handle)

// WithClientAssertions enables JWT client authentication. Assertions must be
// addressed to one of audiences, usually the issuer and the token endpoint URL.
func WithClientAssertions(validators ValidatorResolver, audiences ...string) Option {
	return func(h *Handle) {
		h.validators = validators
		h.audiences = audiences
	}
}

// NewHandle creates the token API handler
func NewHandle(tokens *token.Service, introspector *introspection.Service, clients ClientAuthenticator, opts ...Option) *Handle {
	h := &Handle{
		tokens:        tokens,
		introspection: introspector,
		clients:       clients,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the endpoints on r
func (h *Handle) RegisterRoutes(r chi.Router) {
	r.Post(TokenPath, h.Token)
	r.Post(IntrospectionPath, h.Introspect)
	r.Post(RevocationPath, h.Revoke)
}

// Token issues tokens for the client_credentials and refresh_token grants
func (h *Handle) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, fosite.ErrInvalidRequest.WithHint("Failed to parse form data"))
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var at *token.AccessToken
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case GrantTypeClientCredentials:
		at, err = h.clientCredentials(r, client)
	case GrantTypeRefreshToken:
		refreshValue := r.PostFormValue("refresh_token")
		if refreshValue == "" {
			h.writeError(w, r, fosite.ErrInvalidRequest.WithHint("The refresh_token parameter is required"))
			return
		}
		at, err = h.tokens.RefreshAccessToken(r.Context(), client.ClientID, refreshValue, token.ParseScope(r.PostFormValue("scope")))
	default:
		slog.Debug("Unsupported grant type", "grant_type", grantType, "client_id", client.ClientID)
		h.writeError(w, r, fosite.ErrUnsupportedGrantType)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := TokenResponse{
		AccessToken: at.Value,
		TokenType:   introspection.TokenTypeBearer,
		ExpiresIn:   at.ExpiresIn(time.Now()),
		Scope:       token.FormatScope(at.Scope),
		IDToken:     at.IDToken,
	}
	if at.RefreshToken != nil {
		resp.RefreshToken = at.RefreshToken.Value
	}

	noStore(w)
	render.JSON(w, r, resp)
}

func (h *Handle) clientCredentials(r *http.Request, client *oauth2client.OAuth2Client) (*token.AccessToken, error) {
	if !slices.Contains(client.GrantTypes, oauth2client.GrantClientCredentials) {
		return nil, errors.InvalidClient("client may not use the client_credentials grant")
	}
	scope := token.ParseScope(r.PostFormValue("scope"))
	if len(scope) == 0 {
		scope = client.Scopes
	}
	if !client.ValidateScope(scope) {
		return nil, errors.InvalidScope("requested scope is not registered for the client")
	}
	return h.tokens.CreateAccessToken(r.Context(), &token.AuthenticationHolder{
		ClientID: client.ClientID,
		Scope:    scope,
	})
}

// Introspect implements RFC 7662 for authenticated resource servers
func (h *Handle) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, fosite.ErrInvalidRequest.WithHint("Failed to parse form data"))
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	value := r.PostFormValue("token")
	if value == "" {
		h.writeError(w, r, fosite.ErrInvalidRequest.WithHint("The token parameter is required"))
		return
	}

	result, err := h.introspection.Introspect(r.Context(), client.ClientID, value, r.PostFormValue("token_type_hint"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	noStore(w)
	render.JSON(w, r, result)
}

// Revoke implements RFC 7009. Unknown tokens succeed; tokens of other clients get 403.
func (h *Handle) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, fosite.ErrInvalidRequest.WithHint("Failed to parse form data"))
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	value := r.PostFormValue("token")
	if value == "" {
		h.writeError(w, r, fosite.ErrInvalidRequest.WithHint("The token parameter is required"))
		return
	}

	if err := h.tokens.Revoke(r.Context(), client.ClientID, value, r.PostFormValue("token_type_hint")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeServiceError maps service error codes onto RFC 6749 errors
func (h *Handle) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rfcErr *fosite.RFC6749Error
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidClient, errors.ErrCodeUnauthorized, errors.ErrCodeAuthenticationRequired:
		rfcErr = fosite.ErrInvalidClient
	case errors.ErrCodeForbidden:
		rfcErr = fosite.ErrAccessDenied
	case errors.ErrCodeInvalidToken:
		rfcErr = fosite.ErrInvalidGrant
	case errors.ErrCodeInvalidScope:
		rfcErr = fosite.ErrInvalidScope
	case errors.ErrCodeInvalidInput, errors.ErrCodeValidationFailed, errors.ErrCodeMissingRequired:
		rfcErr = fosite.ErrInvalidRequest
	default:
		slog.Error("Token endpoint failure", "path", r.URL.Path, "error", err)
		h.writeError(w, r, fosite.ErrServerError)
		return
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		rfcErr = rfcErr.WithHint(e.Message)
	}
	h.writeError(w, r, rfcErr)
}

func (h *Handle) writeError(w http.ResponseWriter, r *http.Request, rfcErr *fosite.RFC6749Error) {
	if rfcErr.CodeField == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
	}
	noStore(w)
	render.Status(r, rfcErr.CodeField)
	render.JSON(w, r, ErrorResponse{
		Error:            rfcErr.ErrorField,
		ErrorDescription: rfcErr.GetDescription(),
	})
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

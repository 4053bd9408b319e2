package wellknown

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-jose/go-jose/v4"
)

// KeySource supplies the provider's published keys
type KeySource interface {
	PublicKeySet() jose.JSONWebKeySet
	SupportedAlgorithms() []string
}

// Handler provides HTTP handlers for well-known endpoints
type Handler struct {
	config Config
	keys   KeySource
}

// NewHandler creates a new well-known endpoints handler
func NewHandler(config Config, keys KeySource) *Handler {
	return &Handler{
		config: config,
		keys:   keys,
	}
}

// RegisterRoutes mounts the discovery and key set endpoints on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadata)
	r.Get("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadata)
	r.Get("/.well-known/openid-configuration", h.OpenIDConfiguration)
	r.Get(WellKnownJWKSPath, h.JWKS)
	r.Get(JWKSPath, h.JWKS)
}

// ProtectedResourceMetadata handles GET /.well-known/oauth-protected-resource (RFC 9728)
func (h *Handler) ProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	discoveryHeaders(w)
	render.JSON(w, r, NewProtectedResourceMetadata(h.config))
}

// AuthorizationServerMetadata handles GET /.well-known/oauth-authorization-server (RFC 8414)
func (h *Handler) AuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := NewAuthorizationServerMetadata(h.config, h.keys.SupportedAlgorithms())
	metadata.SubjectTypesSupported = nil
	discoveryHeaders(w)
	render.JSON(w, r, metadata)
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration
func (h *Handler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	metadata := NewAuthorizationServerMetadata(h.config, h.keys.SupportedAlgorithms())
	slog.Debug("OpenID configuration requested", "issuer", metadata.Issuer, "algs", metadata.IDTokenSigningAlgValuesSupported)
	discoveryHeaders(w)
	render.JSON(w, r, metadata)
}

// JWKS publishes the public half of every provider key. Symmetric keys are never listed.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set := h.keys.PublicKeySet()
	if set.Keys == nil {
		set.Keys = []jose.JSONWebKey{}
	}
	data, err := json.Marshal(set)
	if err != nil {
		slog.Error("Failed to encode JWK Set", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	discoveryHeaders(w)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Write(data)
}

func discoveryHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

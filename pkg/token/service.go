package token

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ory/fosite"
	"github.com/tendant/simple-idp/pkg/encryption"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/signing"
)

// ClientLookup resolves registered clients
type ClientLookup interface {
	GetClient(ctx context.Context, clientID string) (*oauth2client.OAuth2Client, error)
}

// EncrypterResolver finds the service that encrypts to a client, or nil
type EncrypterResolver interface {
	ResolveEncrypter(ctx context.Context, client *oauth2client.OAuth2Client) *encryption.Service
}

// ClaimsEnhancer adds claims to an access token before it is signed
type ClaimsEnhancer func(ctx context.Context, claims jwt.MapClaims, auth *AuthenticationHolder, client *oauth2client.OAuth2Client) error

// Service issues, refreshes, reads and revokes tokens
type Service struct {
	repo    Repository
	clients ClientLookup
	signer  *signing.Service

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	idTokenTTL time.Duration

	enhancer      ClaimsEnhancer
	encrypters    EncrypterResolver
	scopeStrategy fosite.ScopeStrategy
	now           func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithIssuer sets the iss claim
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		s.issuer = issuer
	}
}

// WithAccessTokenValidity sets the lifetime for clients without their own; zero means no expiry
func WithAccessTokenValidity(d time.Duration) Option {
	return func(s *Service) {
		s.accessTTL = d
	}
}

// WithRefreshTokenValidity sets the lifetime for clients without their own; zero means no expiry
func WithRefreshTokenValidity(d time.Duration) Option {
	return func(s *Service) {
		s.refreshTTL = d
	}
}

// WithIDTokenValidity sets the ID token lifetime
func WithIDTokenValidity(d time.Duration) Option {
	return func(s *Service) {
		s.idTokenTTL = d
	}
}

// WithClaimsEnhancer installs a hook run on every access token claim set
func WithClaimsEnhancer(enhancer ClaimsEnhancer) Option {
	return func(s *Service) {
		s.enhancer = enhancer
	}
}

// WithEncrypterResolver enables ID token encryption for clients asking for it
func WithEncrypterResolver(resolver EncrypterResolver) Option {
	return func(s *Service) {
		s.encrypters = resolver
	}
}

// WithScopeStrategy decides whether a requested scope is covered by a granted one on refresh
func WithScopeStrategy(strategy fosite.ScopeStrategy) Option {
	return func(s *Service) {
		s.scopeStrategy = strategy
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service signing with signer
func NewService(repo Repository, clients ClientLookup, signer *signing.Service, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		clients:       clients,
		signer:        signer,
		accessTTL:     time.Hour,
		refreshTTL:    30 * 24 * time.Hour,
		idTokenTTL:    10 * time.Minute,
		scopeStrategy: fosite.ExactScopeStrategy,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the iss claim placed in issued tokens
func (s *Service) Issuer() string {
	return s.issuer
}

// Signer returns the provider signing service
func (s *Service) Signer() *signing.Service {
	return s.signer
}

// CreateAccessToken issues an access token for auth. A refresh token is linked when
// the client may refresh and offline_access was granted; an ID token is attached when
// openid was granted to a user.
func (s *Service) CreateAccessToken(ctx context.Context, auth *AuthenticationHolder) (*AccessToken, error) {
	return s.create(ctx, auth, nil)
}

// CreateAccessTokenWithPermissions issues an access token carrying resource set permissions
func (s *Service) CreateAccessTokenWithPermissions(ctx context.Context, auth *AuthenticationHolder, permissions []Permission) (*AccessToken, error) {
	if len(permissions) == 0 {
		return nil, errors.InvalidInput("permissions", "at least one permission is required")
	}
	return s.create(ctx, auth, permissions)
}

func (s *Service) create(ctx context.Context, auth *AuthenticationHolder, permissions []Permission) (*AccessToken, error) {
	if auth == nil {
		return nil, errors.AuthenticationRequired("no authentication to issue a token for")
	}

	client, err := s.client(ctx, auth.ClientID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	auth = auth.Clone()
	auth.Scope = NormalizeScope(auth.Scope)
	if auth.ID == "" {
		auth.ID = uuid.NewString()
	}
	if auth.RequestedAt.IsZero() {
		auth.RequestedAt = now
	}

	var refresh *RefreshToken
	if client.AllowsRefresh() && slices.Contains(auth.Scope, ScopeOfflineAccess) {
		refresh, err = s.createRefreshToken(ctx, client, auth, now)
		if err != nil {
			return nil, err
		}
	}

	return s.issue(ctx, client, auth, auth.Scope, refresh, permissions, now)
}

func (s *Service) client(ctx context.Context, clientID string) (*oauth2client.OAuth2Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidClient("unknown client").WithDetail("client_id", clientID)
		}
		return nil, err
	}
	if client == nil {
		return nil, errors.InvalidClient("unknown client").WithDetail("client_id", clientID)
	}
	return client, nil
}

func (s *Service) issue(ctx context.Context, client *oauth2client.OAuth2Client, auth *AuthenticationHolder,
	scope []string, refresh *RefreshToken, permissions []Permission, now time.Time) (*AccessToken, error) {

	token := &AccessToken{
		ID:          uuid.NewString(),
		Scope:       slices.Clone(scope),
		ClientID:    client.ClientID,
		Auth:        auth,
		Permissions: permissions,
	}
	if refresh != nil {
		token.RefreshTokenID = refresh.ID
		token.RefreshToken = refresh
	}

	claims := jwt.MapClaims{
		"sub":       auth.Subject(),
		"iss":       s.issuer,
		"scope":     FormatScope(scope),
		"jti":       token.ID,
		"iat":       now.Unix(),
		"client_id": client.ClientID,
	}
	if len(client.Audience) > 0 {
		claims["aud"] = client.Audience
	}
	if validity := client.AccessTokenValidity(s.accessTTL); validity > 0 {
		token.Expiration = now.Add(validity)
		claims["exp"] = token.Expiration.Unix()
	}
	if s.enhancer != nil {
		if err := s.enhancer(ctx, claims, auth, client); err != nil {
			return nil, errors.InternalWrap(err, "failed to enhance access token claims")
		}
	}

	alg, value, err := s.sign(claims)
	if err != nil {
		return nil, err
	}
	token.Value = value

	if slices.Contains(scope, ScopeOpenID) && !auth.IsClientOnly() {
		token.IDToken, err = s.createIDToken(ctx, client, auth, value, alg, now)
		if err != nil {
			return nil, err
		}
	}

	if err := s.repo.SaveAccessToken(ctx, token); err != nil {
		return nil, errors.InternalWrap(err, "failed to save access token")
	}

	slog.Info("Issued access token", "client_id", client.ClientID, "token_id", token.ID,
		"scope", FormatScope(scope), "refresh_token_id", token.RefreshTokenID)
	return token, nil
}

// sign signs with the default signer when one is configured, else with the first
// signer supporting the default algorithm
func (s *Service) sign(claims jwt.MapClaims) (string, string, error) {
	alg := s.signer.DefaultAlgorithm()
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", "", errors.SignerNotFound("no default signing algorithm").WithDetail("alg", alg)
	}

	tok := jwt.NewWithClaims(method, claims)
	var (
		value string
		err   error
	)
	if s.signer.DefaultSignerKeyID() != "" {
		value, err = s.signer.Sign(tok, "")
	} else {
		value, err = s.signer.SignWithAlgorithm(tok, alg)
	}
	if err != nil {
		return "", "", err
	}
	return tok.Method.Alg(), value, nil
}

func (s *Service) createRefreshToken(ctx context.Context, client *oauth2client.OAuth2Client, auth *AuthenticationHolder, now time.Time) (*RefreshToken, error) {
	refresh := &RefreshToken{
		ID:       uuid.NewString(),
		ClientID: client.ClientID,
		Auth:     auth.Clone(),
	}

	claims := jwt.MapClaims{
		"jti": refresh.ID,
		"iss": s.issuer,
		"iat": now.Unix(),
	}
	if validity := client.RefreshTokenValidity(s.refreshTTL); validity > 0 {
		refresh.Expiration = now.Add(validity)
		claims["exp"] = refresh.Expiration.Unix()
	}

	_, value, err := s.sign(claims)
	if err != nil {
		return nil, err
	}
	refresh.Value = value

	if err := s.repo.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, errors.InternalWrap(err, "failed to save refresh token")
	}
	slog.Info("Issued refresh token", "client_id", client.ClientID, "token_id", refresh.ID)
	return refresh, nil
}

func (s *Service) createIDToken(ctx context.Context, client *oauth2client.OAuth2Client, auth *AuthenticationHolder, accessValue, alg string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": auth.UserID,
		"aud": client.ClientID,
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if s.idTokenTTL > 0 {
		claims["exp"] = now.Add(s.idTokenTTL).Unix()
	}
	if hash := AccessTokenHash(accessValue, alg); hash != "" {
		claims["at_hash"] = hash
	}

	tok := jwt.NewWithClaims(jwt.GetSigningMethod(alg), claims)
	var (
		value string
		err   error
	)
	if s.signer.DefaultSignerKeyID() != "" {
		value, err = s.signer.Sign(tok, "")
	} else {
		value, err = s.signer.SignWithAlgorithm(tok, alg)
	}
	if err != nil {
		return "", err
	}
	if !client.EncryptIDToken {
		return value, nil
	}

	// a client asking for encryption never gets a plaintext ID token
	var enc *encryption.Service
	if s.encrypters != nil {
		enc = s.encrypters.ResolveEncrypter(ctx, client)
	}
	if enc == nil {
		slog.Error("No encrypter for client, omitting ID token", "client_id", client.ClientID)
		return "", nil
	}
	encrypted, err := enc.Encrypt([]byte(value), "")
	if err != nil {
		return "", errors.InternalWrap(err, "failed to encrypt ID token")
	}
	return encrypted, nil
}

// AccessTokenHash computes the at_hash claim: the left half of the hash of the token
// value, with the hash chosen by the bit size suffix of alg. Returns "" for unknown sizes.
func AccessTokenHash(value, alg string) string {
	var h crypto.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = crypto.SHA256
	case strings.HasSuffix(alg, "384"):
		h = crypto.SHA384
	case strings.HasSuffix(alg, "512"), alg == "EdDSA":
		h = crypto.SHA512
	default:
		return ""
	}
	hasher := h.New()
	hasher.Write([]byte(value))
	sum := hasher.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// RefreshAccessToken exchanges a refresh token for a new access token. An empty
// requestedScope keeps the scope granted to the refresh token; otherwise every
// requested scope must be covered by it.
func (s *Service) RefreshAccessToken(ctx context.Context, clientID, refreshValue string, requestedScope []string) (*AccessToken, error) {
	refresh, err := s.ReadRefreshToken(ctx, refreshValue)
	if err != nil {
		return nil, err
	}
	if refresh.ClientID != clientID {
		slog.Warn("Refresh token presented by another client", "client_id", clientID, "owner", refresh.ClientID)
		return nil, errors.InvalidClient("client does not own the refresh token")
	}

	client, err := s.client(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsRefresh() {
		return nil, errors.InvalidClient("client may not use refresh tokens").WithDetail("client_id", clientID)
	}

	granted := NormalizeScope(refresh.Auth.Scope)
	scope := NormalizeScope(requestedScope)
	if len(scope) == 0 {
		scope = granted
	}
	for _, requested := range scope {
		if !s.scopeStrategy(granted, requested) {
			return nil, errors.InvalidScope("requested scope exceeds the original grant").WithDetail("scope", requested)
		}
	}

	// Nothing is cleared or deleted until the request has passed every check
	// and the replacement refresh token exists.
	now := s.now()
	var rotated *RefreshToken
	if !client.ReuseRefreshToken {
		rotated, err = s.createRefreshToken(ctx, client, refresh.Auth, now)
		if err != nil {
			return nil, err
		}
	}

	if client.ClearAccessTokensOnRefresh {
		if err := s.repo.DeleteAccessTokensForRefreshToken(ctx, refresh.ID); err != nil {
			return nil, errors.InternalWrap(err, "failed to clear access tokens")
		}
	}

	if rotated != nil {
		if err := s.repo.DeleteRefreshToken(ctx, refresh.ID); err != nil {
			return nil, errors.InternalWrap(err, "failed to delete rotated refresh token")
		}
		slog.Info("Rotated refresh token", "client_id", clientID, "old_token_id", refresh.ID, "token_id", rotated.ID)
		refresh = rotated
	}

	return s.issue(ctx, client, refresh.Auth, scope, refresh, nil, now)
}

// ReadAccessToken returns the stored access token for value
func (s *Service) ReadAccessToken(ctx context.Context, value string) (*AccessToken, error) {
	token, err := s.repo.GetAccessTokenByValue(ctx, value)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidToken("access token not found")
		}
		return nil, err
	}
	if token.IsExpired(s.now()) {
		if err := s.repo.DeleteAccessToken(ctx, token.ID); err != nil {
			slog.Warn("Failed to delete expired access token", "token_id", token.ID, "error", err)
		}
		return nil, errors.InvalidToken("access token expired")
	}
	return token, nil
}

// ReadRefreshToken returns the stored refresh token for value
func (s *Service) ReadRefreshToken(ctx context.Context, value string) (*RefreshToken, error) {
	token, err := s.repo.GetRefreshTokenByValue(ctx, value)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidToken("refresh token not found")
		}
		return nil, err
	}
	if token.IsExpired(s.now()) {
		if err := s.repo.DeleteRefreshToken(ctx, token.ID); err != nil {
			slog.Warn("Failed to delete expired refresh token", "token_id", token.ID, "error", err)
		}
		return nil, errors.InvalidToken("refresh token expired")
	}
	return token, nil
}

// RevokeAccessToken deletes an access token. Deleting twice is not an error.
func (s *Service) RevokeAccessToken(ctx context.Context, token *AccessToken) error {
	if token == nil {
		return nil
	}
	if err := s.repo.DeleteAccessToken(ctx, token.ID); err != nil {
		return errors.InternalWrap(err, "failed to revoke access token")
	}
	slog.Info("Revoked access token", "client_id", token.ClientID, "token_id", token.ID)
	return nil
}

// RevokeRefreshToken deletes a refresh token and every access token issued from it
func (s *Service) RevokeRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token == nil {
		return nil
	}
	if err := s.repo.DeleteAccessTokensForRefreshToken(ctx, token.ID); err != nil {
		return errors.InternalWrap(err, "failed to revoke access tokens for refresh token")
	}
	if err := s.repo.DeleteRefreshToken(ctx, token.ID); err != nil {
		return errors.InternalWrap(err, "failed to revoke refresh token")
	}
	slog.Info("Revoked refresh token", "client_id", token.ClientID, "token_id", token.ID)
	return nil
}

// Revoke handles an RFC 7009 request from callerClientID. The hint only selects which
// kind is looked up first. Unknown tokens succeed; tokens owned by another client are
// rejected with errors.ErrCodeForbidden.
func (s *Service) Revoke(ctx context.Context, callerClientID, value, hint string) error {
	lookups := []func() (bool, error){
		func() (bool, error) { return s.revokeAccess(ctx, callerClientID, value) },
		func() (bool, error) { return s.revokeRefresh(ctx, callerClientID, value) },
	}
	if hint == HintRefreshToken {
		slices.Reverse(lookups)
	}

	for _, lookup := range lookups {
		found, err := lookup()
		if err != nil || found {
			return err
		}
	}
	slog.Debug("Revocation of unknown token", "client_id", callerClientID)
	return nil
}

func (s *Service) revokeAccess(ctx context.Context, callerClientID, value string) (bool, error) {
	token, err := s.repo.GetAccessTokenByValue(ctx, value)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	if token.ClientID != callerClientID {
		slog.Warn("Client tried to revoke another client's access token", "client_id", callerClientID, "owner", token.ClientID)
		return true, errors.Forbidden("client does not own the token")
	}
	return true, s.RevokeAccessToken(ctx, token)
}

func (s *Service) revokeRefresh(ctx context.Context, callerClientID, value string) (bool, error) {
	token, err := s.repo.GetRefreshTokenByValue(ctx, value)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	if token.ClientID != callerClientID {
		slog.Warn("Client tried to revoke another client's refresh token", "client_id", callerClientID, "owner", token.ClientID)
		return true, errors.Forbidden("client does not own the token")
	}
	return true, s.RevokeRefreshToken(ctx, token)
}

package introspection

import (
	"context"
	"log/slog"

	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/tendant/simple-idp/pkg/oauth2client"
	"github.com/tendant/simple-idp/pkg/token"
)

// Service answers introspection requests from authenticated resource servers
type Service struct {
	tokens    *token.Service
	clients   token.ClientLookup
	assembler *Assembler
	users     UserInfoProvider
}

// Option configures a Service
type Option func(*Service)

// WithUserInfoProvider enables scope-gated user claims in responses
func WithUserInfoProvider(users UserInfoProvider) Option {
	return func(s *Service) {
		s.users = users
	}
}

// WithAssembler replaces the default assembler
func WithAssembler(assembler *Assembler) Option {
	return func(s *Service) {
		s.assembler = assembler
	}
}

// NewService creates an introspection service over tokens
func NewService(tokens *token.Service, clients token.ClientLookup, opts ...Option) *Service {
	s := &Service{
		tokens:    tokens,
		clients:   clients,
		assembler: NewAssembler(tokens.Issuer()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Introspect reports on value for the resource server callerClientID. The caller's
// registered scopes bound what the response reveals. Unknown, expired and
// unverifiable tokens are inactive; only storage failures return an error.
func (s *Service) Introspect(ctx context.Context, callerClientID, value, hint string) (Result, error) {
	caller, err := s.clients.GetClient(ctx, callerClientID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidClient("unknown client").WithDetail("client_id", callerClientID)
		}
		return nil, err
	}

	if value == "" || !s.tokens.Signer().Verify(value) {
		slog.Debug("Introspected token is not verifiable", "client_id", callerClientID)
		return Inactive(), nil
	}

	lookups := []func() (Result, error){
		func() (Result, error) { return s.introspectAccess(ctx, caller, value) },
		func() (Result, error) { return s.introspectRefresh(ctx, caller, value) },
	}
	if hint == token.HintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		result, err := lookup()
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return Inactive(), nil
}

func (s *Service) introspectAccess(ctx context.Context, caller *oauth2client.OAuth2Client, value string) (Result, error) {
	at, err := s.tokens.ReadAccessToken(ctx, value)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeInvalidToken) {
			return nil, nil
		}
		return nil, err
	}

	var info UserInfo
	if s.users != nil && at.Auth != nil && !at.Auth.IsClientOnly() {
		info, err = s.users.GetUserInfo(ctx, at.Auth.UserID)
		if err != nil {
			slog.Warn("Failed to load user info for introspection", "user_id", at.Auth.UserID, "error", err)
			info = nil
		}
	}

	slog.Debug("Introspected access token", "client_id", caller.ClientID, "token_id", at.ID)
	return s.assembler.Assemble(at, info, caller.Scopes), nil
}

func (s *Service) introspectRefresh(ctx context.Context, caller *oauth2client.OAuth2Client, value string) (Result, error) {
	rt, err := s.tokens.ReadRefreshToken(ctx, value)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeInvalidToken) {
			return nil, nil
		}
		return nil, err
	}

	slog.Debug("Introspected refresh token", "client_id", caller.ClientID, "token_id", rt.ID)
	return s.assembler.AssembleRefresh(rt, caller.Scopes), nil
}

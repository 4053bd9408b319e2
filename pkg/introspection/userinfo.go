package introspection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tendant/simple-idp/pkg/errors"
)

// UserInfo is a set of OpenID Connect standard claims for one user
type UserInfo map[string]interface{}

// UserInfoProvider looks up user claims by user id
type UserInfoProvider interface {
	GetUserInfo(ctx context.Context, userID string) (UserInfo, error)
}

// ScopeClaims maps a scope to the user claims it releases
type ScopeClaims map[string][]string

// DefaultScopeClaims returns the OpenID Connect Core 5.4 mapping
func DefaultScopeClaims() ScopeClaims {
	return ScopeClaims{
		"profile": {
			"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
			"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at",
		},
		"email":   {"email", "email_verified"},
		"phone":   {"phone_number", "phone_number_verified"},
		"address": {"address"},
	}
}

// StaticUserInfoProvider serves claims from a fixed map
type StaticUserInfoProvider struct {
	users map[string]UserInfo
	mutex sync.RWMutex
}

// NewStaticUserInfoProvider creates a provider over users, keyed by user id
func NewStaticUserInfoProvider(users map[string]UserInfo) *StaticUserInfoProvider {
	if users == nil {
		users = make(map[string]UserInfo)
	}
	return &StaticUserInfoProvider{users: users}
}

// LoadUserInfoFile reads a JSON object of user id to claims
func LoadUserInfoFile(path string) (*StaticUserInfoProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info file: %w", err)
	}
	var users map[string]UserInfo
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse user info file: %w", err)
	}
	return NewStaticUserInfoProvider(users), nil
}

// GetUserInfo returns the user's claims
func (p *StaticUserInfoProvider) GetUserInfo(ctx context.Context, userID string) (UserInfo, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	info, ok := p.users[userID]
	if !ok {
		return nil, errors.NotFound("user", userID)
	}
	out := make(UserInfo, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out, nil
}

// SetUserInfo adds or replaces a user's claims
func (p *StaticUserInfoProvider) SetUserInfo(userID string, info UserInfo) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.users[userID] = info
}

package token

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-idp/pkg/errors"
)

// RedisRepository stores tokens as JSON documents in redis. Keys expire with the token.
//
// Layout under prefix:
//
//	access:<id>             access token JSON
//	access_value:<digest>   access token id
//	refresh:<id>            refresh token JSON
//	refresh_value:<digest>  refresh token id
//	refresh_access:<id>     set of access token ids issued from the refresh token
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository connects to redis at addr and checks the connection
func NewRedisRepository(ctx context.Context, addr, password string, db int, prefix string) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisRepositoryWithClient(client, prefix), nil
}

// NewRedisRepositoryWithClient uses an existing client
func NewRedisRepositoryWithClient(client redis.UniversalClient, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

// Close closes the underlying client
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) accessKey(id string) string      { return r.prefix + "access:" + id }
func (r *RedisRepository) accessValueKey(v string) string  { return r.prefix + "access_value:" + valueDigest(v) }
func (r *RedisRepository) refreshKey(id string) string     { return r.prefix + "refresh:" + id }
func (r *RedisRepository) refreshValueKey(v string) string { return r.prefix + "refresh_value:" + valueDigest(v) }
func (r *RedisRepository) linkKey(refreshID string) string { return r.prefix + "refresh_access:" + refreshID }

// SaveAccessToken stores or replaces an access token
func (r *RedisRepository) SaveAccessToken(ctx context.Context, token *AccessToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ttl := ttlUntil(token.Expiration)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.accessKey(token.ID), data, ttl)
		pipe.Set(ctx, r.accessValueKey(token.Value), token.ID, ttl)
		if token.RefreshTokenID != "" {
			link := r.linkKey(token.RefreshTokenID)
			pipe.SAdd(ctx, link, token.ID)
			if ttl > 0 {
				pipe.PExpire(ctx, link, ttl)
			} else {
				pipe.Persist(ctx, link)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// GetAccessTokenByValue finds an access token by its compact value
func (r *RedisRepository) GetAccessTokenByValue(ctx context.Context, value string) (*AccessToken, error) {
	id, err := r.client.Get(ctx, r.accessValueKey(value)).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.NotFound("access token", "value")
		}
		return nil, fmt.Errorf("failed to look up access token: %w", err)
	}
	return r.getAccessToken(ctx, id)
}

func (r *RedisRepository) getAccessToken(ctx context.Context, id string) (*AccessToken, error) {
	data, err := r.client.Get(ctx, r.accessKey(id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.NotFound("access token", id)
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var token AccessToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token %s: %w", id, err)
	}
	return &token, nil
}

// DeleteAccessToken removes an access token
func (r *RedisRepository) DeleteAccessToken(ctx context.Context, id string) error {
	token, err := r.getAccessToken(ctx, id)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.accessKey(id), r.accessValueKey(token.Value))
		if token.RefreshTokenID != "" {
			pipe.SRem(ctx, r.linkKey(token.RefreshTokenID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// DeleteAccessTokensForRefreshToken removes every access token linked to refreshTokenID
func (r *RedisRepository) DeleteAccessTokensForRefreshToken(ctx context.Context, refreshTokenID string) error {
	link := r.linkKey(refreshTokenID)
	ids, err := r.client.SMembers(ctx, link).Result()
	if err != nil {
		return fmt.Errorf("failed to list access tokens for refresh token: %w", err)
	}
	for _, id := range ids {
		if err := r.DeleteAccessToken(ctx, id); err != nil {
			return err
		}
	}
	if err := r.client.Del(ctx, link).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token link: %w", err)
	}
	return nil
}

// SaveRefreshToken stores or replaces a refresh token
func (r *RedisRepository) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttl := ttlUntil(token.Expiration)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.refreshKey(token.ID), data, ttl)
		pipe.Set(ctx, r.refreshValueKey(token.Value), token.ID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByValue finds a refresh token by its compact value
func (r *RedisRepository) GetRefreshTokenByValue(ctx context.Context, value string) (*RefreshToken, error) {
	id, err := r.client.Get(ctx, r.refreshValueKey(value)).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.NotFound("refresh token", "value")
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return r.getRefreshToken(ctx, id)
}

func (r *RedisRepository) getRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	data, err := r.client.Get(ctx, r.refreshKey(id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.NotFound("refresh token", id)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var token RefreshToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token %s: %w", id, err)
	}
	return &token, nil
}

// DeleteRefreshToken removes a refresh token. Linked access tokens are left alone.
func (r *RedisRepository) DeleteRefreshToken(ctx context.Context, id string) error {
	token, err := r.getRefreshToken(ctx, id)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	if err := r.client.Del(ctx, r.refreshKey(id), r.refreshValueKey(token.Value)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// WithTx returns the same instance; writes are already grouped in MULTI/EXEC pipelines
func (r *RedisRepository) WithTx(tx interface{}) Repository {
	return r
}

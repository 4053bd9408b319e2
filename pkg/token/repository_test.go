package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idp/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testAccessToken(id, refreshID string) *AccessToken {
	return &AccessToken{
		ID:             id,
		Value:          "value-" + id,
		Scope:          []string{"openid", "read"},
		Expiration:     time.Now().Add(time.Hour).Truncate(time.Second),
		ClientID:       "app",
		RefreshTokenID: refreshID,
		Auth: &AuthenticationHolder{
			ID:       "auth-" + id,
			ClientID: "app",
			UserID:   "alice",
			Scope:    []string{"openid", "read"},
		},
	}
}

func testRefreshToken(id string) *RefreshToken {
	return &RefreshToken{
		ID:         id,
		Value:      "value-" + id,
		Expiration: time.Now().Add(24 * time.Hour).Truncate(time.Second),
		ClientID:   "app",
		Auth:       &AuthenticationHolder{ID: "auth-" + id, ClientID: "app", UserID: "alice", Scope: []string{"offline_access"}},
	}
}

func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("access token round trip", func(t *testing.T) {
		at := testAccessToken("at-1", "")
		require.NoError(t, repo.SaveAccessToken(ctx, at))

		got, err := repo.GetAccessTokenByValue(ctx, at.Value)
		require.NoError(t, err)
		assert.Equal(t, at.ID, got.ID)
		assert.Equal(t, at.Scope, got.Scope)
		assert.Equal(t, "alice", got.Auth.UserID)
		assert.True(t, at.Expiration.Equal(got.Expiration))
	})

	t.Run("unknown values are not found", func(t *testing.T) {
		_, err := repo.GetAccessTokenByValue(ctx, "nope")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
		_, err = repo.GetRefreshTokenByValue(ctx, "nope")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, repo.DeleteAccessToken(ctx, "at-1"))
		require.NoError(t, repo.DeleteAccessToken(ctx, "at-1"))
		_, err := repo.GetAccessTokenByValue(ctx, "value-at-1")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
		require.NoError(t, repo.DeleteRefreshToken(ctx, "missing"))
	})

	t.Run("refresh token links", func(t *testing.T) {
		rt := testRefreshToken("rt-1")
		require.NoError(t, repo.SaveRefreshToken(ctx, rt))
		require.NoError(t, repo.SaveAccessToken(ctx, testAccessToken("at-2", "rt-1")))
		require.NoError(t, repo.SaveAccessToken(ctx, testAccessToken("at-3", "rt-1")))
		require.NoError(t, repo.SaveAccessToken(ctx, testAccessToken("at-4", "")))

		got, err := repo.GetRefreshTokenByValue(ctx, rt.Value)
		require.NoError(t, err)
		assert.Equal(t, "rt-1", got.ID)
		assert.Equal(t, []string{"offline_access"}, got.Auth.Scope)

		// deleting the refresh token leaves its access tokens
		require.NoError(t, repo.DeleteRefreshToken(ctx, "rt-1"))
		_, err = repo.GetRefreshTokenByValue(ctx, rt.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
		_, err = repo.GetAccessTokenByValue(ctx, "value-at-2")
		require.NoError(t, err)

		require.NoError(t, repo.DeleteAccessTokensForRefreshToken(ctx, "rt-1"))
		for _, v := range []string{"value-at-2", "value-at-3"} {
			_, err = repo.GetAccessTokenByValue(ctx, v)
			assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), v)
		}
		_, err = repo.GetAccessTokenByValue(ctx, "value-at-4")
		assert.NoError(t, err)
	})

	t.Run("non-expiring tokens", func(t *testing.T) {
		at := testAccessToken("at-5", "")
		at.Expiration = time.Time{}
		require.NoError(t, repo.SaveAccessToken(ctx, at))
		got, err := repo.GetAccessTokenByValue(ctx, at.Value)
		require.NoError(t, err)
		assert.True(t, got.Expiration.IsZero())
	})
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository(time.Minute)
	exerciseRepository(t, repo)

	t.Run("returned tokens are copies", func(t *testing.T) {
		ctx := context.Background()
		at := testAccessToken("copy", "")
		at.RefreshToken = testRefreshToken("linked")
		require.NoError(t, repo.SaveAccessToken(ctx, at))
		at.Scope[0] = "mutated"

		got, err := repo.GetAccessTokenByValue(ctx, at.Value)
		require.NoError(t, err)
		assert.Equal(t, "openid", got.Scope[0])
		assert.Nil(t, got.RefreshToken)

		got.Auth.Scope[0] = "mutated"
		again, err := repo.GetAccessTokenByValue(ctx, at.Value)
		require.NoError(t, err)
		assert.Equal(t, "openid", again.Auth.Scope[0])
	})

	t.Run("expired entries vanish", func(t *testing.T) {
		ctx := context.Background()
		at := testAccessToken("gone", "")
		at.Expiration = time.Now().Add(-time.Second)
		require.NoError(t, repo.SaveAccessToken(ctx, at))
		time.Sleep(5 * time.Millisecond)
		_, err := repo.GetAccessTokenByValue(ctx, at.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}

func TestRedisRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := NewRedisRepositoryWithClient(client, "test:")
	exerciseRepository(t, repo)

	t.Run("keys expire with the token", func(t *testing.T) {
		ctx := context.Background()
		at := testAccessToken("ttl", "rt-ttl")
		at.Expiration = time.Now().Add(time.Minute)
		require.NoError(t, repo.SaveAccessToken(ctx, at))
		assert.True(t, mr.Exists("test:access:ttl"))
		assert.Greater(t, mr.TTL("test:access:ttl"), time.Duration(0))
		assert.True(t, mr.Exists("test:refresh_access:rt-ttl"))

		mr.FastForward(2 * time.Minute)
		_, err := repo.GetAccessTokenByValue(ctx, at.Value)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})

	t.Run("connect fails for unreachable server", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := NewRedisRepository(ctx, "127.0.0.1:1", "", 0, "x:")
		assert.Error(t, err)
	})
}

// requireDocker skips t when no container provider is reachable. Docker host
// discovery panics when no socket is found.
func requireDocker(t *testing.T) {
	t.Helper()
	healthy := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				t.Logf("container provider unavailable: %v", r)
				ok = false
			}
		}()
		provider, err := testcontainers.NewDockerProvider()
		if err != nil {
			t.Logf("container provider unavailable: %v", err)
			return false
		}
		defer provider.Close()
		if err := provider.Health(context.Background()); err != nil {
			t.Logf("container provider unhealthy: %v", err)
			return false
		}
		return true
	}
	if !healthy() {
		t.Skip("Docker is not available")
	}
}

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	requireDocker(t)
	ctx := context.Background()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	repo, err := NewPostgresRepository(pool)
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.EnsureSchema(ctx))

	exerciseRepository(t, repo)

	t.Run("delete expired", func(t *testing.T) {
		at := testAccessToken("old", "")
		at.Expiration = time.Now().Add(-time.Minute)
		require.NoError(t, repo.SaveAccessToken(ctx, at))

		n, err := repo.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("transactions", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		txRepo := repo.WithTx(tx)
		require.NoError(t, txRepo.SaveAccessToken(ctx, testAccessToken("tx", "")))
		require.NoError(t, tx.Rollback(ctx))

		_, err = repo.GetAccessTokenByValue(ctx, "value-tx")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}

func TestScopeHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParseScope("c  a b a"))
	assert.Equal(t, "a b", FormatScope([]string{"b", " a ", ""}))
	assert.Empty(t, ParseScope(""))
}

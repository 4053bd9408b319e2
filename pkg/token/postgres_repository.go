package token

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-idp/pkg/errors"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS idp_refresh_tokens (
	id          TEXT PRIMARY KEY,
	value_hash  TEXT NOT NULL UNIQUE,
	client_id   TEXT NOT NULL,
	expires_at  TIMESTAMPTZ,
	data        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS idp_access_tokens (
	id                TEXT PRIMARY KEY,
	value_hash        TEXT NOT NULL UNIQUE,
	client_id         TEXT NOT NULL,
	refresh_token_id  TEXT,
	expires_at        TIMESTAMPTZ,
	data              JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idp_access_tokens_refresh_token_id_idx ON idp_access_tokens (refresh_token_id);
`

// PostgresRepository stores tokens in PostgreSQL as JSONB rows indexed by value hash
type PostgresRepository struct {
	db querier
}

// NewPostgresRepository creates a repository on pool
func NewPostgresRepository(pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &PostgresRepository{db: pool}, nil
}

// EnsureSchema creates the token tables when missing
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create token schema: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SaveAccessToken stores or replaces an access token
func (r *PostgresRepository) SaveAccessToken(ctx context.Context, token *AccessToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO idp_access_tokens (id, value_hash, client_id, refresh_token_id, expires_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			value_hash = EXCLUDED.value_hash,
			client_id = EXCLUDED.client_id,
			refresh_token_id = EXCLUDED.refresh_token_id,
			expires_at = EXCLUDED.expires_at,
			data = EXCLUDED.data`,
		token.ID, valueDigest(token.Value), token.ClientID, nullableString(token.RefreshTokenID),
		nullableTime(token.Expiration), data)
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// GetAccessTokenByValue finds an access token by its compact value
func (r *PostgresRepository) GetAccessTokenByValue(ctx context.Context, value string) (*AccessToken, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM idp_access_tokens WHERE value_hash = $1`, valueDigest(value)).Scan(&data)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("access token", "value")
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var token AccessToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return &token, nil
}

// DeleteAccessToken removes an access token
func (r *PostgresRepository) DeleteAccessToken(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idp_access_tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// DeleteAccessTokensForRefreshToken removes every access token linked to refreshTokenID
func (r *PostgresRepository) DeleteAccessTokensForRefreshToken(ctx context.Context, refreshTokenID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idp_access_tokens WHERE refresh_token_id = $1`, refreshTokenID); err != nil {
		return fmt.Errorf("failed to delete access tokens for refresh token: %w", err)
	}
	return nil
}

// SaveRefreshToken stores or replaces a refresh token
func (r *PostgresRepository) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO idp_refresh_tokens (id, value_hash, client_id, expires_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			value_hash = EXCLUDED.value_hash,
			client_id = EXCLUDED.client_id,
			expires_at = EXCLUDED.expires_at,
			data = EXCLUDED.data`,
		token.ID, valueDigest(token.Value), token.ClientID, nullableTime(token.Expiration), data)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByValue finds a refresh token by its compact value
func (r *PostgresRepository) GetRefreshTokenByValue(ctx context.Context, value string) (*RefreshToken, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM idp_refresh_tokens WHERE value_hash = $1`, valueDigest(value)).Scan(&data)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("refresh token", "value")
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var token RefreshToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &token, nil
}

// DeleteRefreshToken removes a refresh token. Linked access tokens are left alone.
func (r *PostgresRepository) DeleteRefreshToken(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idp_refresh_tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens whose expiration has passed and returns how many were dropped
func (r *PostgresRepository) DeleteExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"idp_access_tokens", "idp_refresh_tokens"} {
		tag, err := r.db.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at <= now()`)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired rows from %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// WithTx returns a repository bound to a pgx.Tx, or the same repository for other values
func (r *PostgresRepository) WithTx(tx interface{}) Repository {
	if pgTx, ok := tx.(pgx.Tx); ok {
		return &PostgresRepository{db: pgTx}
	}
	return r
}

package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists broker state in Postgres. When a Redis URL is
// configured, the transient rows (pkce states, auth codes) live in
// Redis instead, with native TTL expiry.
type PostgresStore struct {
	db        *sql.DB
	transient *redisTransient
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore opens the database, initializes the schema, and
// optionally attaches Redis for the transient rows.
func NewPostgresStore(connString, redisURL string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 5
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 2
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	if redisURL != "" {
		transient, err := newRedisTransient(redisURL)
		if err != nil {
			return nil, err
		}
		store.transient = transient
	}

	return store, nil
}

func (s *PostgresStore) SaveClient(ctx context.Context, client *Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, scope, token_endpoint_auth_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_id)
		DO UPDATE SET updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientName,
		pq.Array(client.RedirectURIs),
		pq.Array(client.GrantTypes),
		pq.Array(client.ResponseTypes),
		nullableString(client.Scope),
		client.TokenEndpointAuthMethod,
		client.CreatedAt,
		client.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, scope, token_endpoint_auth_method, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var client Client
	var redirectURIs, grantTypes, responseTypes []string
	var scope sql.NullString

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ClientID,
		&client.ClientSecretHash,
		&client.ClientName,
		pq.Array(&redirectURIs),
		pq.Array(&grantTypes),
		pq.Array(&responseTypes),
		&scope,
		&client.TokenEndpointAuthMethod,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	client.RedirectURIs = redirectURIs
	client.GrantTypes = grantTypes
	client.ResponseTypes = responseTypes
	client.Scope = scope.String
	return &client, nil
}

func (s *PostgresStore) SavePKCEState(ctx context.Context, state *PKCEState) error {
	if s.transient != nil {
		return s.transient.savePKCEState(ctx, state)
	}

	query := `
		INSERT INTO pkce_states
			(state, client_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.db.ExecContext(ctx, query,
		state.State,
		state.ClientID,
		state.RedirectURI,
		nullableString(state.Scope),
		state.CodeChallenge,
		state.CodeChallengeMethod,
		state.CreatedAt,
		state.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) ConsumePKCEState(ctx context.Context, state string) (*PKCEState, error) {
	if s.transient != nil {
		return s.transient.consumePKCEState(ctx, state)
	}

	// DELETE ... RETURNING makes consumption atomic: two concurrent
	// callers cannot both observe the row.
	query := `
		DELETE FROM pkce_states
		WHERE state = $1
		RETURNING state, client_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at
	`

	var record PKCEState
	var scope sql.NullString
	err := s.db.QueryRowContext(ctx, query, state).Scan(
		&record.State,
		&record.ClientID,
		&record.RedirectURI,
		&scope,
		&record.CodeChallenge,
		&record.CodeChallengeMethod,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record.Scope = scope.String
	return &record, nil
}

func (s *PostgresStore) SaveAuthCode(ctx context.Context, code *AuthCode) error {
	if s.transient != nil {
		return s.transient.saveAuthCode(ctx, code)
	}

	query := `
		INSERT INTO auth_codes
			(code_hash, client_id, redirect_uri, scope, code_challenge, code_challenge_method, upstream_access_token, upstream_refresh_token, upstream_expires_at, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := s.db.ExecContext(ctx, query,
		code.CodeHash,
		code.ClientID,
		code.RedirectURI,
		nullableString(code.Scope),
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.UpstreamAccessToken,
		code.UpstreamRefreshToken,
		code.UpstreamExpiresAt,
		code.CreatedAt,
		code.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) ConsumeAuthCode(ctx context.Context, codeHash string) (*AuthCode, error) {
	if s.transient != nil {
		return s.transient.consumeAuthCode(ctx, codeHash)
	}

	query := `
		DELETE FROM auth_codes
		WHERE code_hash = $1
		RETURNING code_hash, client_id, redirect_uri, scope, code_challenge, code_challenge_method, upstream_access_token, upstream_refresh_token, upstream_expires_at, created_at, expires_at
	`

	var record AuthCode
	var scope sql.NullString
	err := s.db.QueryRowContext(ctx, query, codeHash).Scan(
		&record.CodeHash,
		&record.ClientID,
		&record.RedirectURI,
		&scope,
		&record.CodeChallenge,
		&record.CodeChallengeMethod,
		&record.UpstreamAccessToken,
		&record.UpstreamRefreshToken,
		&record.UpstreamExpiresAt,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record.Scope = scope.String
	return &record, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions
			(id, client_id, access_token_hash, refresh_token_hash, scope, upstream_access_token, upstream_refresh_token, upstream_expires_at, access_token_expires_at, refresh_token_expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ClientID,
		session.AccessTokenHash,
		session.RefreshTokenHash,
		nullableString(session.Scope),
		session.UpstreamAccessToken,
		session.UpstreamRefreshToken,
		session.UpstreamExpiresAt,
		session.AccessTokenExpiresAt,
		session.RefreshTokenExpiresAt,
		session.CreatedAt,
		session.UpdatedAt,
	)
	return err
}

const sessionColumns = `id, client_id, access_token_hash, refresh_token_hash, scope, upstream_access_token, upstream_refresh_token, upstream_expires_at, access_token_expires_at, refresh_token_expires_at, created_at, updated_at`

func (s *PostgresStore) GetSessionByAccessToken(ctx context.Context, accessHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE access_token_hash = $1`
	return s.scanSession(s.db.QueryRowContext(ctx, query, accessHash))
}

func (s *PostgresStore) GetSessionByRefreshToken(ctx context.Context, refreshHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_hash = $1`
	return s.scanSession(s.db.QueryRowContext(ctx, query, refreshHash))
}

func (s *PostgresStore) scanSession(row *sql.Row) (*Session, error) {
	var session Session
	var scope sql.NullString
	err := row.Scan(
		&session.ID,
		&session.ClientID,
		&session.AccessTokenHash,
		&session.RefreshTokenHash,
		&scope,
		&session.UpstreamAccessToken,
		&session.UpstreamRefreshToken,
		&session.UpstreamExpiresAt,
		&session.AccessTokenExpiresAt,
		&session.RefreshTokenExpiresAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	session.Scope = scope.String
	return &session, nil
}

func (s *PostgresStore) RotateSessionTokens(ctx context.Context, session *Session, oldRefreshHash string) error {
	// Guarding on the old refresh hash in the WHERE clause makes the
	// rotation a single-winner compare-and-swap.
	query := `
		UPDATE sessions
		SET access_token_hash = $1,
			refresh_token_hash = $2,
			upstream_access_token = $3,
			upstream_refresh_token = $4,
			upstream_expires_at = $5,
			access_token_expires_at = $6,
			refresh_token_expires_at = $7,
			updated_at = $8
		WHERE id = $9 AND refresh_token_hash = $10
	`
	result, err := s.db.ExecContext(ctx, query,
		session.AccessTokenHash,
		session.RefreshTokenHash,
		session.UpstreamAccessToken,
		session.UpstreamRefreshToken,
		session.UpstreamExpiresAt,
		session.AccessTokenExpiresAt,
		session.RefreshTokenExpiresAt,
		time.Now(),
		session.ID,
		oldRefreshHash,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSessionUpstream(ctx context.Context, sessionID, encryptedAccess, encryptedRefresh string, upstreamExpiresAt time.Time) error {
	query := `
		UPDATE sessions
		SET upstream_access_token = $1,
			upstream_refresh_token = $2,
			upstream_expires_at = $3,
			updated_at = $4
		WHERE id = $5
	`
	result, err := s.db.ExecContext(ctx, query, encryptedAccess, encryptedRefresh, upstreamExpiresAt, time.Now(), sessionID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) error {
	if s.transient == nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pkce_states WHERE expires_at < $1`, now); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at < $1`, now); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE refresh_token_expires_at < $1`, now)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.transient != nil {
		return s.transient.ping(ctx)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.transient != nil {
		_ = s.transient.close()
	}
	return s.db.Close()
}

func (s *PostgresStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_secret_hash TEXT NOT NULL,
		client_name TEXT NOT NULL,
		redirect_uris TEXT[] NOT NULL,
		grant_types TEXT[] NOT NULL,
		response_types TEXT[] NOT NULL,
		scope TEXT,
		token_endpoint_auth_method VARCHAR(50) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS pkce_states (
		state VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		scope TEXT,
		code_challenge TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_codes (
		code_hash TEXT PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		scope TEXT,
		code_challenge TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		upstream_access_token TEXT NOT NULL,
		upstream_refresh_token TEXT NOT NULL,
		upstream_expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		access_token_hash TEXT NOT NULL UNIQUE,
		refresh_token_hash TEXT NOT NULL UNIQUE,
		scope TEXT,
		upstream_access_token TEXT NOT NULL,
		upstream_refresh_token TEXT NOT NULL,
		upstream_expires_at TIMESTAMP NOT NULL,
		access_token_expires_at TIMESTAMP NOT NULL,
		refresh_token_expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_pkce_states_expires ON pkce_states(expires_at);
	CREATE INDEX IF NOT EXISTS idx_auth_codes_expires ON auth_codes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_access_hash ON sessions(access_token_hash);
	CREATE INDEX IF NOT EXISTS idx_sessions_refresh_hash ON sessions(refresh_token_hash);
	CREATE INDEX IF NOT EXISTS idx_sessions_refresh_expires ON sessions(refresh_token_expires_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

package oauth

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or was already
// consumed by a concurrent request.
var ErrNotFound = errors.New("record not found")

// Store persists OAuth broker state. It is the only shared mutable
// resource in the process; all mutation goes through it.
//
// Consume and Rotate operations must be atomic with respect to
// concurrent calls for the same key: at most one caller wins, the rest
// see ErrNotFound.
type Store interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	SavePKCEState(ctx context.Context, state *PKCEState) error
	// ConsumePKCEState retrieves and deletes a pending authorization
	// state in one step.
	ConsumePKCEState(ctx context.Context, state string) (*PKCEState, error)

	SaveAuthCode(ctx context.Context, code *AuthCode) error
	// ConsumeAuthCode retrieves and deletes an authorization code in one
	// step, enforcing single use before any tokens are issued.
	ConsumeAuthCode(ctx context.Context, codeHash string) (*AuthCode, error)

	SaveSession(ctx context.Context, session *Session) error
	GetSessionByAccessToken(ctx context.Context, accessHash string) (*Session, error)
	GetSessionByRefreshToken(ctx context.Context, refreshHash string) (*Session, error)
	// RotateSessionTokens replaces the session's token hashes and
	// upstream tokens, guarded by the previous refresh-token hash.
	// A concurrent rotation that already replaced oldRefreshHash makes
	// this call fail with ErrNotFound.
	RotateSessionTokens(ctx context.Context, session *Session, oldRefreshHash string) error
	// UpdateSessionUpstream persists refreshed upstream tokens without
	// touching the broker token pair.
	UpdateSessionUpstream(ctx context.Context, sessionID, encryptedAccess, encryptedRefresh string, upstreamExpiresAt time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteExpired sweeps rows whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

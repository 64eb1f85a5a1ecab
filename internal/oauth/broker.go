package oauth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/crypto"
	"github.com/openfit/fitbridge-mcp/internal/events"
	"github.com/openfit/fitbridge-mcp/internal/upstream"
)

const (
	accessTokenBytes  = 32
	refreshTokenBytes = 48
	authCodeBytes     = 32
	stateTokenBytes   = 24
)

// BrokerConfig carries the token lifetime policy. These are policy
// choices, not protocol requirements, so they come from config.
type BrokerConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	PKCEStateTTL    time.Duration
	RefreshBuffer   time.Duration
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.AuthCodeTTL == 0 {
		c.AuthCodeTTL = 10 * time.Minute
	}
	if c.PKCEStateTTL == 0 {
		c.PKCEStateTTL = 10 * time.Minute
	}
	if c.RefreshBuffer == 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	return c
}

// TokenResponse is the /token response body for both grant types.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// Broker runs the two linked OAuth legs: it issues and rotates its own
// opaque token pairs downstream while holding the upstream provider's
// tokens encrypted on each session's behalf.
type Broker struct {
	store    Store
	cipher   *crypto.TokenCipher
	hasher   *crypto.TokenHasher
	upstream *upstream.Client
	registry *Registry
	cfg      BrokerConfig
	events   events.Publisher
	logger   *zap.Logger
}

// NewBroker wires the broker together.
func NewBroker(store Store, cipher *crypto.TokenCipher, hasher *crypto.TokenHasher, upstreamClient *upstream.Client, registry *Registry, cfg BrokerConfig, publisher events.Publisher, logger *zap.Logger) *Broker {
	if publisher == nil {
		publisher = events.Noop()
	}
	return &Broker{
		store:    store,
		cipher:   cipher,
		hasher:   hasher,
		upstream: upstreamClient,
		registry: registry,
		cfg:      cfg.withDefaults(),
		events:   publisher,
		logger:   logger,
	}
}

// Registry exposes the client registry for the HTTP layer.
func (b *Broker) Registry() *Registry { return b.registry }

// Upstream exposes the upstream client for the HTTP layer.
func (b *Broker) Upstream() *upstream.Client { return b.upstream }

// Events exposes the audit publisher for the HTTP layer.
func (b *Broker) Events() events.Publisher { return b.events }

// StartAuthorization persists a PKCE state row keyed by a fresh
// correlation token and returns that token. The caller encodes it into
// the upstream state blob.
func (b *Broker) StartAuthorization(ctx context.Context, client *Client, redirectURI, codeChallenge, codeChallengeMethod, scope string) (string, error) {
	state, err := randomToken(stateTokenBytes)
	if err != nil {
		return "", NewError(ErrorServerError, "failed to generate state")
	}

	now := time.Now()
	record := &PKCEState{
		State:               state,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(b.cfg.PKCEStateTTL),
	}
	if err := b.store.SavePKCEState(ctx, record); err != nil {
		b.logger.Error("failed to persist pkce state", zap.Error(err))
		return "", NewError(ErrorServerError, "failed to store authorization state")
	}
	return state, nil
}

// AbortAuthorization consumes a pending authorization state without
// exchanging anything, so a denied upstream consent can still be
// reported to the registered redirect URI.
func (b *Broker) AbortAuthorization(ctx context.Context, state string) (*PKCEState, error) {
	record, err := b.store.ConsumePKCEState(ctx, state)
	if err != nil {
		if err == ErrNotFound {
			return nil, NewError(ErrorInvalidRequest, "unknown or expired authorization state")
		}
		b.logger.Error("failed to consume pkce state", zap.Error(err))
		return nil, NewError(ErrorServerError, "failed to load authorization state")
	}
	return record, nil
}

// CompleteAuthorization handles the upstream redirect back: it consumes
// the PKCE state (one-time use enforced by deletion), exchanges the
// upstream code, and mints a single-use broker authorization code bound
// to the encrypted upstream tokens.
func (b *Broker) CompleteAuthorization(ctx context.Context, state, upstreamCode string) (*PKCEState, string, error) {
	record, err := b.store.ConsumePKCEState(ctx, state)
	if err != nil {
		if err == ErrNotFound {
			return nil, "", NewError(ErrorInvalidRequest, "unknown or expired authorization state")
		}
		b.logger.Error("failed to consume pkce state", zap.Error(err))
		return nil, "", NewError(ErrorServerError, "failed to load authorization state")
	}
	if time.Now().After(record.ExpiresAt) {
		// Consumption already deleted the row.
		return nil, "", NewError(ErrorInvalidRequest, "authorization state expired")
	}

	token, err := b.upstream.Exchange(ctx, upstreamCode)
	if err != nil {
		b.logger.Error("upstream code exchange failed", zap.Error(err), zap.String("client_id", record.ClientID))
		return nil, "", NewError(ErrorServerError, "upstream token exchange failed")
	}

	encryptedAccess, err := b.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, "", NewError(ErrorServerError, "failed to protect upstream tokens")
	}
	encryptedRefresh, err := b.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return nil, "", NewError(ErrorServerError, "failed to protect upstream tokens")
	}

	code, err := randomToken(authCodeBytes)
	if err != nil {
		return nil, "", NewError(ErrorServerError, "failed to generate authorization code")
	}

	now := time.Now()
	authCode := &AuthCode{
		CodeHash:             b.hasher.Hash(code),
		ClientID:             record.ClientID,
		RedirectURI:          record.RedirectURI,
		Scope:                record.Scope,
		CodeChallenge:        record.CodeChallenge,
		CodeChallengeMethod:  record.CodeChallengeMethod,
		UpstreamAccessToken:  encryptedAccess,
		UpstreamRefreshToken: encryptedRefresh,
		UpstreamExpiresAt:    token.ExpiresAt,
		CreatedAt:            now,
		ExpiresAt:            now.Add(b.cfg.AuthCodeTTL),
	}
	if err := b.store.SaveAuthCode(ctx, authCode); err != nil {
		b.logger.Error("failed to persist authorization code", zap.Error(err))
		return nil, "", NewError(ErrorServerError, "failed to store authorization code")
	}

	return record, code, nil
}

// ExchangeCode implements grant_type=authorization_code. The code is
// consumed before any tokens are issued, closing the replay window.
func (b *Broker) ExchangeCode(ctx context.Context, code, codeVerifier, clientID, clientSecret, redirectURI string) (*TokenResponse, error) {
	if code == "" {
		return nil, NewError(ErrorInvalidRequest, "code is required")
	}
	if codeVerifier == "" {
		return nil, NewError(ErrorInvalidRequest, "code_verifier is required")
	}

	client, err := b.registry.Validate(ctx, clientID, clientSecret, "")
	if err != nil {
		return nil, err
	}

	record, err := b.store.ConsumeAuthCode(ctx, b.hasher.Hash(code))
	if err != nil {
		if err == ErrNotFound {
			return nil, NewError(ErrorInvalidGrant, "invalid or expired authorization code")
		}
		b.logger.Error("failed to consume authorization code", zap.Error(err))
		return nil, NewError(ErrorServerError, "failed to load authorization code")
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, NewError(ErrorInvalidGrant, "authorization code expired")
	}
	if record.ClientID != client.ClientID {
		return nil, NewError(ErrorInvalidGrant, "authorization code was issued to another client")
	}
	if redirectURI != "" && redirectURI != record.RedirectURI {
		return nil, NewError(ErrorInvalidGrant, "redirect_uri does not match authorization request")
	}
	if err := VerifyPKCE(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod); err != nil {
		return nil, NewError(ErrorInvalidGrant, "PKCE verification failed")
	}

	return b.issueSession(ctx, client.ClientID, record.Scope, record.UpstreamAccessToken, record.UpstreamRefreshToken, record.UpstreamExpiresAt)
}

// RefreshTokens implements grant_type=refresh_token. Both broker tokens
// rotate on every refresh; a concurrent refresh with the same token has
// at most one winner.
func (b *Broker) RefreshTokens(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, NewError(ErrorInvalidRequest, "refresh_token is required")
	}

	client, err := b.registry.Validate(ctx, clientID, clientSecret, "")
	if err != nil {
		return nil, err
	}

	oldRefreshHash := b.hasher.Hash(refreshToken)
	session, err := b.store.GetSessionByRefreshToken(ctx, oldRefreshHash)
	if err != nil {
		if err == ErrNotFound {
			return nil, NewError(ErrorInvalidGrant, "invalid refresh_token")
		}
		b.logger.Error("session lookup failed", zap.Error(err))
		return nil, NewError(ErrorServerError, "session lookup failed")
	}

	now := time.Now()
	if now.After(session.RefreshTokenExpiresAt) {
		_ = b.store.DeleteSession(ctx, session.ID)
		b.events.Publish(ctx, events.SessionRevoked, map[string]string{
			"session_id": session.ID,
			"client_id":  session.ClientID,
			"reason":     "refresh_token_expired",
		})
		return nil, NewError(ErrorInvalidGrant, "refresh_token expired")
	}
	if session.ClientID != client.ClientID {
		return nil, NewError(ErrorInvalidGrant, "refresh_token was issued to another client")
	}

	encryptedAccess := session.UpstreamAccessToken
	encryptedRefresh := session.UpstreamRefreshToken
	upstreamExpiresAt := session.UpstreamExpiresAt

	if time.Until(upstreamExpiresAt) < b.cfg.RefreshBuffer {
		token, err := b.refreshUpstream(ctx, session)
		if err != nil {
			// The broker can no longer vouch for upstream access.
			return nil, NewError(ErrorInvalidGrant, "upstream session could not be refreshed")
		}
		encryptedAccess, err = b.cipher.Encrypt(token.AccessToken)
		if err != nil {
			return nil, NewError(ErrorServerError, "failed to protect upstream tokens")
		}
		encryptedRefresh, err = b.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, NewError(ErrorServerError, "failed to protect upstream tokens")
		}
		upstreamExpiresAt = token.ExpiresAt
	}

	newAccess, err := randomToken(accessTokenBytes)
	if err != nil {
		return nil, NewError(ErrorServerError, "failed to generate tokens")
	}
	newRefresh, err := randomToken(refreshTokenBytes)
	if err != nil {
		return nil, NewError(ErrorServerError, "failed to generate tokens")
	}

	rotated := *session
	rotated.AccessTokenHash = b.hasher.Hash(newAccess)
	rotated.RefreshTokenHash = b.hasher.Hash(newRefresh)
	rotated.UpstreamAccessToken = encryptedAccess
	rotated.UpstreamRefreshToken = encryptedRefresh
	rotated.UpstreamExpiresAt = upstreamExpiresAt
	rotated.AccessTokenExpiresAt = now.Add(b.cfg.AccessTokenTTL)
	rotated.RefreshTokenExpiresAt = now.Add(b.cfg.RefreshTokenTTL)

	if err := b.store.RotateSessionTokens(ctx, &rotated, oldRefreshHash); err != nil {
		if err == ErrNotFound {
			// A concurrent refresh won; this token is no longer valid.
			return nil, NewError(ErrorInvalidGrant, "refresh_token is no longer valid")
		}
		b.logger.Error("session rotation failed", zap.Error(err))
		return nil, NewError(ErrorServerError, "failed to rotate session")
	}

	b.events.Publish(ctx, events.SessionRotated, map[string]string{
		"session_id": session.ID,
		"client_id":  session.ClientID,
	})

	return &TokenResponse{
		AccessToken:  newAccess,
		TokenType:    "Bearer",
		ExpiresIn:    int(b.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: newRefresh,
		Scope:        session.Scope,
	}, nil
}

// ValidateAccessToken authenticates a bearer token and returns its
// session, refreshing the upstream token transparently when it is close
// to expiry.
func (b *Broker) ValidateAccessToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, NewError(ErrorInvalidToken, "missing access token")
	}

	session, err := b.store.GetSessionByAccessToken(ctx, b.hasher.Hash(token))
	if err != nil {
		if err == ErrNotFound {
			return nil, NewError(ErrorInvalidToken, "unknown access token")
		}
		b.logger.Error("session lookup failed", zap.Error(err))
		return nil, NewError(ErrorServerError, "session lookup failed")
	}
	if time.Now().After(session.AccessTokenExpiresAt) {
		return nil, NewError(ErrorInvalidToken, "access token expired")
	}

	if time.Until(session.UpstreamExpiresAt) < b.cfg.RefreshBuffer {
		if refreshed, err := b.refreshUpstream(ctx, session); err == nil {
			encryptedAccess, encErr := b.cipher.Encrypt(refreshed.AccessToken)
			encryptedRefresh, encErr2 := b.cipher.Encrypt(refreshed.RefreshToken)
			if encErr == nil && encErr2 == nil {
				if err := b.store.UpdateSessionUpstream(ctx, session.ID, encryptedAccess, encryptedRefresh, refreshed.ExpiresAt); err == nil {
					session.UpstreamAccessToken = encryptedAccess
					session.UpstreamRefreshToken = encryptedRefresh
					session.UpstreamExpiresAt = refreshed.ExpiresAt
				}
			}
		} else {
			// Tool calls will surface the upstream failure as a
			// business error; the broker token itself is still valid.
			b.logger.Warn("transparent upstream refresh failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	return session, nil
}

// UpstreamAccessToken decrypts the session's upstream access token for
// the tool executor. The plaintext never leaves the process.
func (b *Broker) UpstreamAccessToken(session *Session) (string, error) {
	return b.cipher.Decrypt(session.UpstreamAccessToken)
}

func (b *Broker) refreshUpstream(ctx context.Context, session *Session) (*upstream.Token, error) {
	refreshToken, err := b.cipher.Decrypt(session.UpstreamRefreshToken)
	if err != nil {
		return nil, err
	}
	token, err := b.upstream.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (b *Broker) issueSession(ctx context.Context, clientID, scope, encryptedAccess, encryptedRefresh string, upstreamExpiresAt time.Time) (*TokenResponse, error) {
	accessToken, err := randomToken(accessTokenBytes)
	if err != nil {
		return nil, NewError(ErrorServerError, "failed to generate tokens")
	}
	refreshToken, err := randomToken(refreshTokenBytes)
	if err != nil {
		return nil, NewError(ErrorServerError, "failed to generate tokens")
	}

	now := time.Now()
	session := &Session{
		ID:                    uuid.New().String(),
		ClientID:              clientID,
		AccessTokenHash:       b.hasher.Hash(accessToken),
		RefreshTokenHash:      b.hasher.Hash(refreshToken),
		Scope:                 scope,
		UpstreamAccessToken:   encryptedAccess,
		UpstreamRefreshToken:  encryptedRefresh,
		UpstreamExpiresAt:     upstreamExpiresAt,
		AccessTokenExpiresAt:  now.Add(b.cfg.AccessTokenTTL),
		RefreshTokenExpiresAt: now.Add(b.cfg.RefreshTokenTTL),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := b.store.SaveSession(ctx, session); err != nil {
		b.logger.Error("failed to persist session", zap.Error(err))
		return nil, NewError(ErrorServerError, "failed to store session")
	}

	b.events.Publish(ctx, events.SessionIssued, map[string]string{
		"session_id": session.ID,
		"client_id":  clientID,
	})

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(b.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

func randomToken(length int) (string, error) {
	return crypto.RandomToken(length)
}

package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/crypto"
	"github.com/openfit/fitbridge-mcp/internal/upstream"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk-extra"

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// fakeProvider is a minimal upstream token endpoint. Every refresh
// hands out a new numbered token pair.
type fakeProvider struct {
	srv       *httptest.Server
	refreshes int64
	expiresIn int64
	failNext  atomic.Bool
}

func newFakeProvider(expiresIn int64) *fakeProvider {
	p := &fakeProvider{expiresIn: expiresIn}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.failNext.Swap(false) {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		_ = r.ParseForm()
		var access, refresh string
		switch r.FormValue("grant_type") {
		case "authorization_code":
			access, refresh = "up-access-0", "up-refresh-0"
		case "refresh_token":
			n := atomic.AddInt64(&p.refreshes, 1)
			access, refresh = fmt.Sprintf("up-access-%d", n), fmt.Sprintf("up-refresh-%d", n)
		default:
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    p.expiresIn,
		})
	}))
	return p
}

func (p *fakeProvider) Close() { p.srv.Close() }

func newTestBroker(t *testing.T, provider *fakeProvider, cfg BrokerConfig) (*Broker, *MemoryStore) {
	t.Helper()

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewTokenCipher(key)
	require.NoError(t, err)
	hasher, err := crypto.NewTokenHasher([]byte("test-hash-secret"))
	require.NoError(t, err)

	up := upstream.New(upstream.Config{
		ClientID:     "upstream-client",
		ClientSecret: "upstream-secret",
		AuthURL:      provider.srv.URL + "/authorize",
		TokenURL:     provider.srv.URL + "/token",
		APIBaseURL:   provider.srv.URL,
		RedirectURL:  "https://broker.example.com/upstream/callback",
		Scopes:       []string{"profile"},
	}, zap.NewNop())

	store := NewMemoryStore()
	registry := NewRegistry(store, zap.NewNop())
	return NewBroker(store, cipher, hasher, up, registry, cfg, nil, zap.NewNop()), store
}

func registerTestClient(t *testing.T, broker *Broker) *RegistrationResponse {
	t.Helper()
	resp, err := broker.Registry().Register(context.Background(), &RegistrationRequest{
		ClientName:   "test-app",
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	require.NoError(t, err)
	return resp
}

// runAuthFlow drives registration through code issuance and returns the
// client credentials and the broker authorization code.
func runAuthFlow(t *testing.T, broker *Broker) (*RegistrationResponse, string) {
	t.Helper()
	ctx := context.Background()

	client := registerTestClient(t, broker)
	registered, err := broker.Registry().Validate(ctx, client.ClientID, "", "")
	require.NoError(t, err)

	state, err := broker.StartAuthorization(ctx, registered, "https://app.example.com/callback", testChallenge(), MethodS256, "profile")
	require.NoError(t, err)

	record, code, err := broker.CompleteAuthorization(ctx, state, "upstream-code")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, record.ClientID)
	return client, code
}

func TestAuthorizationCodeFlow(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)

	tokens, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "https://app.example.com/callback")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, "profile", tokens.Scope)

	session, err := broker.ValidateAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, session.ClientID)

	// The upstream token round-trips through encryption intact.
	plaintext, err := broker.UpstreamAccessToken(session)
	require.NoError(t, err)
	assert.Equal(t, "up-access-0", plaintext)
	assert.NotContains(t, session.UpstreamAccessToken, "up-access-0")
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)

	_, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.NoError(t, err)

	_, err = broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)
}

func TestExchangeCodeRejectsBadVerifier(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)

	_, err := broker.ExchangeCode(ctx, code, testVerifier+"x", client.ClientID, client.ClientSecret, "")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)

	// The failed attempt consumed the code; the right verifier is too late.
	_, err = broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)
}

func TestExchangeCodeRejectsOtherClient(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})
	ctx := context.Background()

	_, code := runAuthFlow(t, broker)
	other := registerTestClient(t, broker)

	_, err := broker.ExchangeCode(ctx, code, testVerifier, other.ClientID, other.ClientSecret, "")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)
}

func TestStateSingleUse(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})
	ctx := context.Background()

	client := registerTestClient(t, broker)
	registered, err := broker.Registry().Validate(ctx, client.ClientID, "", "")
	require.NoError(t, err)

	state, err := broker.StartAuthorization(ctx, registered, "https://app.example.com/callback", testChallenge(), MethodS256, "")
	require.NoError(t, err)

	_, _, err = broker.CompleteAuthorization(ctx, state, "upstream-code")
	require.NoError(t, err)

	_, _, err = broker.CompleteAuthorization(ctx, state, "upstream-code")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidRequest, AsError(err).Code)
}

func TestRefreshRotatesTokens(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)
	first, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.NoError(t, err)

	second, err := broker.RefreshTokens(ctx, first.RefreshToken, client.ClientID, client.ClientSecret)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Rotation invalidates both old tokens.
	_, err = broker.RefreshTokens(ctx, first.RefreshToken, client.ClientID, client.ClientSecret)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)
	_, err = broker.ValidateAccessToken(ctx, first.AccessToken)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidToken, AsError(err).Code)

	_, err = broker.ValidateAccessToken(ctx, second.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshTriggersUpstreamRefresh(t *testing.T) {
	// Upstream tokens expire in 60s, well inside the refresh buffer, so
	// every broker refresh must renew the upstream pair too.
	provider := newFakeProvider(60)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{RefreshBuffer: 5 * time.Minute})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)
	first, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.NoError(t, err)

	second, err := broker.RefreshTokens(ctx, first.RefreshToken, client.ClientID, client.ClientSecret)
	require.NoError(t, err)

	session, err := broker.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)
	plaintext, err := broker.UpstreamAccessToken(session)
	require.NoError(t, err)
	assert.NotEqual(t, "up-access-0", plaintext)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&provider.refreshes), int64(1))
}

func TestRefreshFailsWhenUpstreamRejects(t *testing.T) {
	provider := newFakeProvider(60)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{RefreshBuffer: 5 * time.Minute})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)
	first, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.NoError(t, err)

	provider.failNext.Store(true)
	_, err = broker.RefreshTokens(ctx, first.RefreshToken, client.ClientID, client.ClientSecret)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)
}

func TestValidateAccessTokenExpiry(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{AccessTokenTTL: 50 * time.Millisecond})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)
	tokens, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.NoError(t, err)

	_, err = broker.ValidateAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = broker.ValidateAccessToken(ctx, tokens.AccessToken)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidToken, AsError(err).Code)
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, _ := newTestBroker(t, provider, BrokerConfig{})

	for _, token := range []string{"", "not-a-token"} {
		_, err := broker.ValidateAccessToken(context.Background(), token)
		require.Error(t, err)
		assert.Equal(t, ErrorInvalidToken, AsError(err).Code)
	}
}

func TestExpiredRefreshTokenDeletesSession(t *testing.T) {
	provider := newFakeProvider(3600)
	defer provider.Close()
	broker, store := newTestBroker(t, provider, BrokerConfig{RefreshTokenTTL: 50 * time.Millisecond})
	ctx := context.Background()

	client, code := runAuthFlow(t, broker)
	tokens, err := broker.ExchangeCode(ctx, code, testVerifier, client.ClientID, client.ClientSecret, "")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = broker.RefreshTokens(ctx, tokens.RefreshToken, client.ClientID, client.ClientSecret)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidGrant, AsError(err).Code)

	hasher, err := crypto.NewTokenHasher([]byte("test-hash-secret"))
	require.NoError(t, err)
	_, err = store.GetSessionByRefreshToken(ctx, hasher.Hash(tokens.RefreshToken))
	assert.Equal(t, ErrNotFound, err)
}

package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewMemoryStore(), zap.NewNop())
}

func TestRegisterIssuesCredentials(t *testing.T) {
	registry := newTestRegistry(t)

	resp, err := registry.Register(context.Background(), &RegistrationRequest{
		ClientName:   "test-app",
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, "client_secret_post", resp.TokenEndpointAuthMethod)

	// The stored record must carry a hash, never the plaintext secret.
	client, err := registry.Validate(context.Background(), resp.ClientID, resp.ClientSecret, "")
	require.NoError(t, err)
	assert.NotEqual(t, resp.ClientSecret, client.ClientSecretHash)
}

func TestRegisterPublicClientHasNoSecret(t *testing.T) {
	registry := newTestRegistry(t)

	resp, err := registry.Register(context.Background(), &RegistrationRequest{
		ClientName:              "cli-app",
		RedirectURIs:            []string{"http://localhost:8123/callback"},
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.ClientSecret)
}

func TestRegisterRejectsBadMetadata(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  RegistrationRequest
		code string
	}{
		{
			name: "missing name",
			req:  RegistrationRequest{RedirectURIs: []string{"https://a.example.com/cb"}},
			code: ErrorInvalidClientMetadata,
		},
		{
			name: "missing redirect uris",
			req:  RegistrationRequest{ClientName: "x"},
			code: ErrorInvalidClientMetadata,
		},
		{
			name: "plain http redirect",
			req:  RegistrationRequest{ClientName: "x", RedirectURIs: []string{"http://evil.example.com/cb"}},
			code: ErrorInvalidRedirectURI,
		},
		{
			name: "relative redirect",
			req:  RegistrationRequest{ClientName: "x", RedirectURIs: []string{"/cb"}},
			code: ErrorInvalidRedirectURI,
		},
		{
			name: "unsupported grant type",
			req:  RegistrationRequest{ClientName: "x", RedirectURIs: []string{"https://a.example.com/cb"}, GrantTypes: []string{"implicit"}},
			code: ErrorInvalidClientMetadata,
		},
		{
			name: "unsupported response type",
			req:  RegistrationRequest{ClientName: "x", RedirectURIs: []string{"https://a.example.com/cb"}, ResponseTypes: []string{"token"}},
			code: ErrorInvalidClientMetadata,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Register(ctx, &tc.req)
			require.Error(t, err)
			oerr := AsError(err)
			assert.Equal(t, tc.code, oerr.Code)
		})
	}
}

func TestRegisterAllowsLoopbackHTTP(t *testing.T) {
	registry := newTestRegistry(t)

	for _, uri := range []string{"http://localhost:3000/cb", "http://127.0.0.1:9999/cb"} {
		_, err := registry.Register(context.Background(), &RegistrationRequest{
			ClientName:   "local",
			RedirectURIs: []string{uri},
		})
		assert.NoError(t, err, uri)
	}
}

func TestValidateCredentials(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	resp, err := registry.Register(ctx, &RegistrationRequest{
		ClientName:   "test-app",
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	require.NoError(t, err)

	_, err = registry.Validate(ctx, resp.ClientID, resp.ClientSecret, "https://app.example.com/callback")
	assert.NoError(t, err)

	_, err = registry.Validate(ctx, resp.ClientID, "wrong-secret", "")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidClient, AsError(err).Code)

	_, err = registry.Validate(ctx, "nonexistent", "", "")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidClient, AsError(err).Code)

	_, err = registry.Validate(ctx, resp.ClientID, resp.ClientSecret, "https://other.example.com/callback")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidRedirectURI, AsError(err).Code)
}

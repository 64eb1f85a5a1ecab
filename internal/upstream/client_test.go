package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(srvURL string) *Client {
	return New(Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		AuthURL:      srvURL + "/authorize",
		TokenURL:     srvURL + "/token",
		APIBaseURL:   srvURL,
		RedirectURL:  "https://broker.example.com/upstream/callback",
		Scopes:       []string{"profile", "workouts"},
	}, zap.NewNop())
}

func TestAuthCodeURL(t *testing.T) {
	client := newTestClient("https://provider.example.com")

	raw := client.AuthCodeURL("blob123")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "blob123", q.Get("state"))
	assert.Equal(t, "https://broker.example.com/upstream/callback", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "profile")
	assert.Equal(t, "offline", q.Get("access_type"))
}

func TestExchange(t *testing.T) {
	var gotCode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotCode = r.FormValue("code")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at1",
			"refresh_token": "rt1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	token, err := newTestClient(srv.URL).Exchange(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "the-code", gotCode)
	assert.Equal(t, "at1", token.AccessToken)
	assert.Equal(t, "rt1", token.RefreshToken)
	assert.False(t, token.ExpiresAt.IsZero())
}

func TestRefreshKeepsOldTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	token, err := newTestClient(srv.URL).Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at2", token.AccessToken)
	assert.Equal(t, "rt-old", token.RefreshToken)
}

func TestRefreshError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Refresh(context.Background(), "rt-revoked")
	assert.Error(t, err)
}

func TestDoSendsAuthAndJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/v1/goals", r.URL.Path)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "run 100k", payload["name"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"g1"}`))
	}))
	defer srv.Close()

	body, err := newTestClient(srv.URL).Do(context.Background(), "at1", http.MethodPost, "/v1/goals", map[string]string{"name": "run 100k"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"g1"}`, string(body))
}

func TestDoSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Get(context.Background(), "at1", "/v1/workouts/unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

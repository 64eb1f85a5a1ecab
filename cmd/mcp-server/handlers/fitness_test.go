package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/internal/cache"
	"github.com/openfit/fitbridge-mcp/internal/crypto"
	"github.com/openfit/fitbridge-mcp/internal/oauth"
	"github.com/openfit/fitbridge-mcp/internal/upstream"
	"github.com/openfit/fitbridge-mcp/pkg/mcp"
)

type fixture struct {
	handler *FitnessHandler
	session *oauth.Session
	hits    *int64
}

// newFixture wires a handler against a fake fitness API that counts
// requests and echoes a canned body per path.
func newFixture(t *testing.T, responses map[string]string) *fixture {
	t.Helper()

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer up-access" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		body, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewTokenCipher(key)
	require.NoError(t, err)
	hasher, err := crypto.NewTokenHasher([]byte("test-hash-secret"))
	require.NoError(t, err)

	up := upstream.New(upstream.Config{
		ClientID:     "cid",
		ClientSecret: "cs",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		APIBaseURL:   srv.URL,
		RedirectURL:  "https://broker.example.com/upstream/callback",
	}, zap.NewNop())

	store := oauth.NewMemoryStore()
	registry := oauth.NewRegistry(store, zap.NewNop())
	broker := oauth.NewBroker(store, cipher, hasher, up, registry, oauth.BrokerConfig{}, nil, zap.NewNop())

	encrypted, err := cipher.Encrypt("up-access")
	require.NoError(t, err)
	session := &oauth.Session{
		ID:                  "sess-1",
		ClientID:            "client-1",
		UpstreamAccessToken: encrypted,
		UpstreamExpiresAt:   time.Now().Add(time.Hour),
	}

	return &fixture{
		handler: NewFitnessHandler(broker, up, cache.New(), zap.NewNop()),
		session: session,
		hits:    &hits,
	}
}

func TestRegisterExposesAllTools(t *testing.T) {
	fx := newFixture(t, nil)
	server := mcp.NewServer("test", "v0", nil, zap.NewNop())
	fx.handler.Register(server)

	names := make([]string, 0, len(server.Tools()))
	for _, tool := range server.Tools() {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"get_profile", "list_workouts", "get_workout", "log_workout",
		"list_goals", "create_goal", "update_goal", "delete_goal",
	}, names)
}

func TestGetProfile(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"GET /v1/profile": `{"user_id":"u1","display_name":"Ada"}`,
	})

	result, err := fx.handler.handleGetProfile(context.Background(), nil, fx.session)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Ada")
}

func TestReadsAreCached(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"GET /v1/goals": `{"goals":[]}`,
	})
	ctx := context.Background()

	_, err := fx.handler.handleListGoals(ctx, nil, fx.session)
	require.NoError(t, err)
	_, err = fx.handler.handleListGoals(ctx, nil, fx.session)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(fx.hits), "second read must come from cache")
}

func TestWritesInvalidateCache(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"GET /v1/goals":  `{"goals":[]}`,
		"POST /v1/goals": `{"id":"g1"}`,
	})
	ctx := context.Background()

	_, err := fx.handler.handleListGoals(ctx, nil, fx.session)
	require.NoError(t, err)

	_, err = fx.handler.handleCreateGoal(ctx, map[string]interface{}{
		"name": "run 100k", "metric": "distance_km", "target": float64(100),
	}, fx.session)
	require.NoError(t, err)

	_, err = fx.handler.handleListGoals(ctx, nil, fx.session)
	require.NoError(t, err)

	assert.Equal(t, int64(3), atomic.LoadInt64(fx.hits), "write must evict the cached read")
}

func TestListWorkoutsBuildsQuery(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"GET /v1/workouts": `{"workouts":[],"total":0}`,
	})

	result, err := fx.handler.handleListWorkouts(context.Background(), map[string]interface{}{
		"limit": float64(5), "type": "run",
	}, fx.session)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestGetWorkoutRequiresID(t *testing.T) {
	fx := newFixture(t, nil)

	result, err := fx.handler.handleGetWorkout(context.Background(), map[string]interface{}{}, fx.session)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestLogWorkoutValidatesDuration(t *testing.T) {
	fx := newFixture(t, nil)

	result, err := fx.handler.handleLogWorkout(context.Background(), map[string]interface{}{
		"type": "run", "start_time": "2026-08-28T07:30:00Z", "duration_sec": float64(0),
	}, fx.session)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestUpstreamFailureIsToolError(t *testing.T) {
	fx := newFixture(t, nil) // every path 404s

	_, err := fx.handler.handleGetProfile(context.Background(), nil, fx.session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fitness API request failed")
}

func TestDeleteGoal(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"DELETE /v1/goals/g1": ``,
	})

	result, err := fx.handler.handleDeleteGoal(context.Background(), map[string]interface{}{
		"goal_id": "g1",
	}, fx.session)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "ok")
}

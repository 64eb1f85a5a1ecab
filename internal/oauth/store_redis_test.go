package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransient(t *testing.T) (*redisTransient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	transient, err := newRedisTransient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transient.close() })
	return transient, mr
}

func TestRedisPKCEStateRoundTrip(t *testing.T) {
	transient, _ := newTestTransient(t)
	ctx := context.Background()

	saved := &PKCEState{
		State:               "state-1",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: MethodS256,
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, transient.savePKCEState(ctx, saved))

	got, err := transient.consumePKCEState(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, saved.ClientID, got.ClientID)
	assert.Equal(t, saved.CodeChallenge, got.CodeChallenge)

	// Consumption deletes the row.
	_, err = transient.consumePKCEState(ctx, "state-1")
	assert.Equal(t, ErrNotFound, err)
}

func TestRedisAuthCodeExpires(t *testing.T) {
	transient, mr := newTestTransient(t)
	ctx := context.Background()

	require.NoError(t, transient.saveAuthCode(ctx, &AuthCode{
		CodeHash:  "hash-1",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	mr.FastForward(2 * time.Minute)

	_, err := transient.consumeAuthCode(ctx, "hash-1")
	assert.Equal(t, ErrNotFound, err)
}

func TestRedisUnknownKeys(t *testing.T) {
	transient, _ := newTestTransient(t)
	ctx := context.Background()

	_, err := transient.consumePKCEState(ctx, "missing")
	assert.Equal(t, ErrNotFound, err)
	_, err = transient.consumeAuthCode(ctx, "missing")
	assert.Equal(t, ErrNotFound, err)
}

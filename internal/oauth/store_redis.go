package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTransient keeps the short-lived rows (pkce states, auth codes)
// in Redis with native TTL expiry. GETDEL gives the atomic
// consume-once semantics the flow depends on.
type redisTransient struct {
	client *redis.Client
}

func newRedisTransient(redisURL string) (*redisTransient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &redisTransient{client: client}, nil
}

func (r *redisTransient) savePKCEState(ctx context.Context, state *PKCEState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("oauth:pkce:%s", state.State)
	return r.client.Set(ctx, key, payload, time.Until(state.ExpiresAt)).Err()
}

func (r *redisTransient) consumePKCEState(ctx context.Context, state string) (*PKCEState, error) {
	key := fmt.Sprintf("oauth:pkce:%s", state)
	val, err := r.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record PKCEState
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *redisTransient) saveAuthCode(ctx context.Context, code *AuthCode) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("oauth:code:%s", code.CodeHash)
	return r.client.Set(ctx, key, payload, time.Until(code.ExpiresAt)).Err()
}

func (r *redisTransient) consumeAuthCode(ctx context.Context, codeHash string) (*AuthCode, error) {
	key := fmt.Sprintf("oauth:code:%s", codeHash)
	val, err := r.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record AuthCode
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *redisTransient) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisTransient) close() error {
	return r.client.Close()
}

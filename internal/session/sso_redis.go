package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"grimm.is/umc/internal/metrics"
)

const redisTokenPrefix = "umc:sso:"

// RedisTokens is a TokenStore shared between several front end instances.
// Expiry is delegated to the key TTL and redemption uses GETDEL, so a token
// is handed out at most once across all instances.
type RedisTokens struct {
	client redis.UniversalClient
}

// NewRedisTokens connects to addr and verifies the connection.
func NewRedisTokens(ctx context.Context, addr string, db int) (*RedisTokens, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect sso token store %s: %w", addr, err)
	}
	return &RedisTokens{client: client}, nil
}

// NewRedisTokensFromClient wraps an existing client.
func NewRedisTokensFromClient(client redis.UniversalClient) *RedisTokens {
	return &RedisTokens{client: client}
}

// Issue implements TokenStore.
func (r *RedisTokens) Issue(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	token := TokenFor(sessionID)
	if err := r.client.Set(ctx, redisTokenPrefix+token, sessionID, ttl).Err(); err != nil {
		return "", fmt.Errorf("issue sso token: %w", err)
	}
	metrics.Get().SSOTokens.WithLabelValues("issued").Inc()
	return token, nil
}

// Redeem implements TokenStore.
func (r *RedisTokens) Redeem(ctx context.Context, token string) (string, bool, error) {
	sessionID, err := r.client.GetDel(ctx, redisTokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		metrics.Get().SSOTokens.WithLabelValues("rejected").Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redeem sso token: %w", err)
	}
	metrics.Get().SSOTokens.WithLabelValues("redeemed").Inc()
	return sessionID, true, nil
}

// Ping checks the redis connection.
func (r *RedisTokens) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis connection.
func (r *RedisTokens) Close() error {
	return r.client.Close()
}

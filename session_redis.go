package omegachat

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTokenPrefix = "omegachat:token:"

// RedisStore keeps the token in Redis under omegachat:token:<profile>, for
// bots and headless clients that share credentials between processes.
type RedisStore struct {
	cli     *redis.Client
	key     string
	ttl     time.Duration
	ownsCli bool
}

// NewRedisStore connects to url (redis://...) and pings it.
// ttl of zero keeps the token until cleared.
func NewRedisStore(ctx context.Context, url, profile string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{cli: cli, key: redisTokenPrefix + profile, ttl: ttl, ownsCli: true}, nil
}

// NewRedisStoreFromClient uses an existing client; Close leaves it open.
func NewRedisStoreFromClient(cli *redis.Client, profile string, ttl time.Duration) *RedisStore {
	return &RedisStore{cli: cli, key: redisTokenPrefix + profile, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (string, error) {
	val, err := s.cli.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get token: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Save(ctx context.Context, token string) error {
	if err := s.cli.Set(ctx, s.key, token, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.cli.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del token: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if !s.ownsCli {
		return nil
	}
	return s.cli.Close()
}

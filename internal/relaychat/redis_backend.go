package relaychat

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey         = "relaychat:state"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend stores the snapshot under a single key. The key can be
// overridden with a ?key= query parameter on the DSN.
type RedisStateBackend struct {
	client *redis.Client
	key    string
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	key := redisStateKey
	query := parsed.Query()
	if custom := strings.TrimSpace(query.Get("key")); custom != "" {
		key = custom
	}
	query.Del("key")
	parsed.RawQuery = query.Encode()

	opt, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{client: redis.NewClient(opt), key: key}, nil
}

func (b *RedisStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	payload, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState(payload)
}

func (b *RedisStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	payload, err := encodeState(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, payload, 0).Err()
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

package esc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport failures of the Redis store
var ErrRedisUnavailable = errors.New("esc: redis unavailable")

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	URL       string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	Namespace string `envconfig:"ESC_NAMESPACE" default:"esc"`
	Secret    string `envconfig:"ESC_SECRET"`
}

// RedisStore keeps sealed entries in Redis under a namespace
type RedisStore struct {
	rdb       redis.UniversalClient
	namespace string
	sealer    *Sealer
}

// NewRedisStore creates a store over an existing client
func NewRedisStore(rdb redis.UniversalClient, namespace string, sealer *Sealer) *RedisStore {
	return &RedisStore{rdb: rdb, namespace: namespace, sealer: sealer}
}

// DialRedis opens a client from cfg and checks it answers
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return client, nil
}

// Ping checks the server answers
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

// Get returns the opened value under key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if s.sealer == nil {
		return data, true, nil
	}
	pt, err := s.sealer.Open(key, data)
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", key, err)
	}
	return pt, true, nil
}

// Keys scans the namespace for keys with prefix
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	var keys []string
	iter := s.rdb.Scan(ctx, 0, full+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply runs the batch in a MULTI/EXEC transaction
func (s *RedisStore) Apply(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}

	sealed := make(map[string][]byte, len(b.Set))
	for k, v := range b.Set {
		if s.sealer == nil {
			sealed[k] = v
			continue
		}
		blob, err := s.sealer.Seal(k, v)
		if err != nil {
			return fmt.Errorf("sealing %s: %w", k, err)
		}
		sealed[k] = blob
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(b.Delete) > 0 {
			del := make([]string, 0, len(b.Delete))
			for _, k := range b.Delete {
				del = append(del, s.key(k))
			}
			pipe.Del(ctx, del...)
		}
		for k, v := range sealed {
			pipe.Set(ctx, s.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

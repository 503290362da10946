package ttlcache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisMirror implements RedisMirror on top of go-redis/v9 with a
// get/set/delete shape.
type redisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror dials addr and verifies connectivity before returning.
func NewRedisMirror(addr, password string, db int, keyPrefix string) (RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to embedding cache redis mirror")
	}

	return &redisMirror{client: client, prefix: keyPrefix}, nil
}

func (r *redisMirror) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *redisMirror) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "redis mirror get failed")
	}
	return data, nil
}

func (r *redisMirror) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis mirror set failed")
	}
	return nil
}

func (r *redisMirror) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrap(err, "redis mirror delete failed")
	}
	return nil
}

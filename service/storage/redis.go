package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config is the Redis connection config.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store wraps the Redis client behind the gateway's storage operations:
// presence keys, conversation history streams, and call sessions.
type Store struct {
	rdb *redis.Client
}

// Open connects and pings with a short timeout.
func Open(c Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

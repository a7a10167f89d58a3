// Package redis provides a Redis-backed session store. Each session is a
// hash whose expiry is renewed on every write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "imageinf:session:"

// Store keeps sessions in Redis hashes.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects using a redis:// URL and verifies the connection.
func New(ctx context.Context, redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Get(ctx context.Context, id, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, keyPrefix+id, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session value: %w", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, id, key, value string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyPrefix+id, key, value)
		if s.ttl > 0 {
			p.Expire(ctx, keyPrefix+id, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set session value: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, keyPrefix+id, keys...).Err(); err != nil {
		return fmt.Errorf("delete session value: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

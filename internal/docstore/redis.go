package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisStore writes each document as a JSON string under SETNX.
type RedisStore struct {
	rc     *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rc: rc, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(collection, id string) string {
	return s.prefix + collection + ":" + id
}

func (s *RedisStore) WriteDocument(ctx context.Context, collection, id string, fields Fields) error {
	payload, err := json.Marshal(kvDocument{Fields: fields, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	key := s.key(collection, id)
	ok, err := s.rc.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SetNX error for key %s: %w", key, err)
	}
	if !ok {
		return ErrDocumentExists
	}
	return nil
}

func (s *RedisStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	data, err := s.rc.Get(ctx, s.key(collection, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	var stored kvDocument
	if err := json.Unmarshal(data, &stored); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return Document{Collection: collection, ID: id, Fields: stored.Fields, CreatedAt: stored.CreatedAt}, nil
}

func (s *RedisStore) Close() error {
	return s.rc.Close()
}

// Package redis provides a Redis saga.Repository backed by go-redis.
//
// Usage:
//
//	store := redis.NewStore(redis.DefaultConfig(),
//	    func() saga.Instance { return &OrderState{} })
//
// Each instance lives under one key, "<prefix>:<correlationId>", as a hash of
// version, state, data and timestamps. Optimistic concurrency rides on
// WATCH: the save transaction aborts when the key changes between the version
// read and the write, and a version mismatch or an aborted transaction maps
// to saga.ErrVersionConflict. Archived instances keep their hash with an
// archivedAt field and optionally a TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/saga"
	goredis "github.com/redis/go-redis/v9"
)

// Config for the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces the instance keys, usually the saga type.
	KeyPrefix string

	// ArchiveRetention sets a TTL on archived instances. Zero keeps them
	// forever.
	ArchiveRetention time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:      "localhost:6379",
		KeyPrefix: "saga",
	}
}

// Store implements saga.Repository on Redis hashes.
type Store struct {
	client  *goredis.Client
	prefix  string
	ttl     time.Duration
	factory saga.Factory
}

// NewStore creates a store with its own client.
func NewStore(cfg *Config, factory saga.Factory) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewStoreWithClient(client, cfg, factory)
}

// NewStoreWithClient wraps an existing client, for callers that share one
// across stores.
func NewStoreWithClient(client *goredis.Client, cfg *Config, factory saga.Factory) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "saga"
	}
	return &Store{
		client:  client,
		prefix:  prefix,
		ttl:     cfg.ArchiveRetention,
		factory: factory,
	}
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.prefix + ":" + id }

func (s *Store) FindByCorrelationID(ctx context.Context, id string) (saga.Instance, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("sagastore/redis: find %s: %w", id, err)
	}
	if len(fields) == 0 || fields["archivedAt"] != "" {
		return nil, nil
	}
	return s.decode(id, fields["data"])
}

func (s *Store) decode(id, data string) (saga.Instance, error) {
	inst := s.factory()
	if err := json.Unmarshal([]byte(data), inst); err != nil {
		return nil, fmt.Errorf("sagastore/redis: decode instance %s: %w", id, err)
	}
	return inst, nil
}

// Save upserts with an optimistic lock on Version and increments it. The
// watch covers the read-check-write window, so a concurrent writer aborts the
// transaction even when it restored the same version number.
func (s *Store) Save(ctx context.Context, inst saga.Instance) error {
	emb := inst.Saga()
	if emb.CorrelationID == "" {
		return fmt.Errorf("sagastore/redis: instance has no correlation id")
	}
	key := s.key(emb.CorrelationID)

	next := emb.Version + 1
	emb.Version = next
	raw, err := json.Marshal(inst)
	if err != nil {
		emb.Version = next - 1
		return fmt.Errorf("sagastore/redis: encode instance: %w", err)
	}

	txErr := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := tx.HGet(ctx, key, "version").Result()
		switch {
		case errors.Is(err, goredis.Nil):
			if next != 1 {
				return saga.ErrVersionConflict
			}
		case err != nil:
			return fmt.Errorf("sagastore/redis: read version of %s: %w", emb.CorrelationID, err)
		default:
			if stored != strconv.Itoa(next-1) {
				return saga.ErrVersionConflict
			}
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if next == 1 {
				pipe.HSet(ctx, key, "createdAt", now)
			}
			pipe.HSet(ctx, key,
				"version", next,
				"currentState", emb.CurrentState,
				"data", string(raw),
				"updatedAt", now,
			)
			return nil
		})
		return err
	}, key)

	if txErr != nil {
		emb.Version = next - 1
		if errors.Is(txErr, goredis.TxFailedErr) {
			return saga.ErrVersionConflict
		}
		return txErr
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("sagastore/redis: delete %s: %w", id, err)
	}
	return nil
}

// Archive soft-deletes: the hash stays until its TTL expires but stops
// resolving by correlation id.
func (s *Store) Archive(ctx context.Context, id string) error {
	key := s.key(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("sagastore/redis: archive %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("sagastore/redis: archive unknown instance %s", id)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"currentState", saga.StateFinalize,
			"archivedAt", now,
			"updatedAt", now,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sagastore/redis: archive %s: %w", id, err)
	}
	return nil
}

func (s *Store) FindByState(ctx context.Context, state string) ([]saga.Instance, error) {
	return s.scan(ctx, func(fields map[string]string) bool {
		return fields["currentState"] == state
	})
}

// Find matches instance fields inside the data document. Query keys address
// top-level JSON fields of the state struct.
func (s *Store) Find(ctx context.Context, query map[string]any) ([]saga.Instance, error) {
	return s.scan(ctx, func(fields map[string]string) bool {
		var doc map[string]any
		if json.Unmarshal([]byte(fields["data"]), &doc) != nil {
			return false
		}
		for k, want := range query {
			got, ok := doc[k]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
		return true
	})
}

func (s *Store) scan(ctx context.Context, match func(map[string]string) bool) ([]saga.Instance, error) {
	var out []saga.Instance
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("sagastore/redis: read %s: %w", key, err)
		}
		if len(fields) == 0 || fields["archivedAt"] != "" || !match(fields) {
			continue
		}
		inst, err := s.decode(key, fields["data"])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("sagastore/redis: scan: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		archived, err := s.client.HGet(ctx, iter.Val(), "archivedAt").Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return 0, fmt.Errorf("sagastore/redis: read %s: %w", iter.Val(), err)
		}
		if archived == "" {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("sagastore/redis: scan: %w", err)
	}
	return n, nil
}

var _ saga.Repository = (*Store)(nil)

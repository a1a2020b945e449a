package online

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-ml/kestrel/internal/config"
	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// RedisStore implements Store on Redis. Each record is one JSON value under
// "<namespace>:<view>:<entity_id>", written with SET so overwrite is atomic.
// The TTL is registered with Redis at write time and additionally checked at
// read time, so a record is never served past its TTL even when Redis has
// not yet evicted it.
type RedisStore struct {
	client    *redis.Client
	namespace string
	opTimeout time.Duration
	now       func() time.Time
}

// NewRedisStore connects to Redis using the online store configuration.
func NewRedisStore(ctx context.Context, cfg config.OnlineConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "online: redis unreachable", err)
	}

	return &RedisStore{
		client:    client,
		namespace: cfg.Namespace,
		opTimeout: cfg.OpTimeout,
		now:       time.Now,
	}, nil
}

// Key returns the Redis key for an entity's record under a view.
func (s *RedisStore) Key(viewName string, entityID int64) string {
	return fmt.Sprintf("%s:%s:%d", s.namespace, viewName, entityID)
}

// Put writes the record, registering its TTL with Redis.
func (s *RedisStore) Put(ctx context.Context, viewName string, rec types.OnlineRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeWriteFailed, "online: failed to encode record", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var expiry time.Duration
	if rec.TTL > 0 {
		// Expiry counts from ValidFrom, not from the write.
		remaining := rec.TTL - time.Duration(s.now().UnixMilli()-rec.ValidFrom)*time.Millisecond
		if remaining <= 0 {
			// Already expired; nothing servable to write.
			return nil
		}
		expiry = remaining
	}

	if err := s.client.Set(ctx, s.Key(viewName, rec.EntityID), payload, expiry).Err(); err != nil {
		return kerrors.NewStorageError(kerrors.CodeWriteFailed, "online: redis SET failed", err)
	}
	return nil
}

// Get returns the record, or (nil, nil) when absent or expired.
func (s *RedisStore) Get(ctx context.Context, viewName string, entityID int64) (*types.OnlineRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	payload, err := s.client.Get(ctx, s.Key(viewName, entityID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "online: redis GET failed", err)
	}

	var rec types.OnlineRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeScanFailed, "online: failed to decode record", err)
	}

	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

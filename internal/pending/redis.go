package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Vilis322/sleepBot/internal"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps confirmations as JSON values that expire with the confirmation.
type RedisStore struct {
	client *redis.Client
	logger internal.Logger
	now    func() time.Time
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, now func() time.Time, logger internal.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Infof("pending confirmations stored in redis at %s (db %d)", cfg.Addr, cfg.DB)
	return newRedisStore(client, now, logger), nil
}

func newRedisStore(client *redis.Client, now func() time.Time, logger internal.Logger) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, logger: logger, now: now}
}

func (r *RedisStore) Put(ctx context.Context, p internal.PendingConfirmation) error {
	ttl := p.ExpiresAt.Sub(r.now())
	if p.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := Key(p.UserID, p.SessionID, p.Field)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.Warnf("redis set %s failed: %v", key, err)
		return internal.Unavailable(err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context, userID, sessionID string, field internal.Field) (*internal.PendingConfirmation, error) {
	key := Key(userID, sessionID, field)
	data, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Warnf("redis getdel %s failed: %v", key, err)
		return nil, internal.Unavailable(err)
	}
	var p internal.PendingConfirmation
	if err := json.Unmarshal(data, &p); err != nil {
		r.logger.Warnf("discarding unreadable pending confirmation %s: %v", key, err)
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *RedisStore) Discard(ctx context.Context, userID, sessionID string, field internal.Field) error {
	if err := r.client.Del(ctx, Key(userID, sessionID, field)).Err(); err != nil {
		return internal.Unavailable(err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)

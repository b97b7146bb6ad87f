package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

// ErrLocked is returned when another upload holds the lock.
var ErrLocked = fmt.Errorf("%w: another upload for this category is in progress", utils.ErrConflict)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	Client  *redis.Client
	Logger  *logger.Logger
	LockTTL time.Duration
	// Wait is how long Acquire keeps retrying before giving up.
	Wait time.Duration
	// Retry is the pause between attempts.
	Retry time.Duration
}

func NewRedis(client *redis.Client, lockTTL time.Duration, log *logger.Logger) *Redis {
	return &Redis{
		Client:  client,
		Logger:  log,
		LockTTL: lockTTL,
		Wait:    5 * time.Second,
		Retry:   50 * time.Millisecond,
	}
}

func UploadLockKey(orderID int64, category string) string {
	return fmt.Sprintf("upload_lock:%d:%s", orderID, category)
}

// TryLock sets key if it is free and returns the token needed to release it.
func (r *Redis) TryLock(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, key, token, r.LockTTL).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Acquire retries TryLock until it succeeds, Wait elapses or ctx ends.
func (r *Redis) Acquire(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(r.Wait)
	for {
		token, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return "", fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLocked
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.Retry):
		}
	}
}

// Unlock releases key if token still owns it. A lock that expired and was
// taken by someone else is left alone.
func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.Client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		r.Logger.Warn("REDIS", fmt.Sprintf("Lock %s was no longer held at release", key))
	}
	return nil
}

// WithLock runs fn while holding key.
func (r *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// release even when the caller's context is already cancelled
		if err := r.Unlock(context.Background(), key, token); err != nil {
			r.Logger.Error("REDIS", fmt.Sprintf("Failed to release %s: %v", key, err))
		}
	}()
	return fn(ctx)
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"tabesh/internal/models"
)

// ProfileCache keeps computed profiles in Redis for TTL.
type ProfileCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewProfileCache(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{Client: client, TTL: ttl}
}

func profileKey(owner string) string {
	return "ai_profile:" + owner
}

// Get returns nil, nil on a miss.
func (c *ProfileCache) Get(ctx context.Context, owner string) (*models.Profile, error) {
	raw, err := c.Client.Get(ctx, profileKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := new(models.Profile)
	if err := json.Unmarshal(raw, p); err != nil {
		// a corrupt entry is treated as a miss
		c.Client.Del(ctx, profileKey(owner))
		return nil, nil
	}
	return p, nil
}

func (c *ProfileCache) Set(ctx context.Context, p *models.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, profileKey(p.OwnerKey), raw, c.TTL).Err()
}

func (c *ProfileCache) Delete(ctx context.Context, owners ...string) error {
	keys := make([]string, len(owners))
	for i, o := range owners {
		keys[i] = profileKey(o)
	}
	return c.Client.Del(ctx, keys...).Err()
}

// RateLimiter allows Limit calls per owner in each fixed Window.
type RateLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{Client: client, Limit: limit, Window: window}
}

// Allow counts one call and reports whether it is within the limit, along
// with how long until the window resets.
func (l *RateLimiter) Allow(ctx context.Context, owner string) (bool, time.Duration, error) {
	if l.Limit <= 0 {
		return true, 0, nil
	}
	key := fmt.Sprintf("ai_rate:%s", owner)
	n, err := l.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		if err := l.Client.Expire(ctx, key, l.Window).Err(); err != nil {
			return false, 0, err
		}
	}
	ttl, err := l.Client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		// the key lost its expiry; start a new window
		l.Client.Expire(ctx, key, l.Window)
		ttl = l.Window
	}
	return n <= int64(l.Limit), ttl, nil
}

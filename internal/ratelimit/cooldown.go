package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown records "do not touch until" windows, e.g. after a platform
// throttled one organization's account. Entries expire on their own.
type Cooldown struct {
	client redis.Cmdable
	prefix string
}

func NewCooldown(client redis.Cmdable) *Cooldown {
	return &Cooldown{client: client, prefix: "cooldown:"}
}

// Key builds the cooldown key for an organization on a platform.
func Key(orgID, platform string) string {
	return orgID + ":" + platform
}

// Set starts or extends a cooldown. A shorter window never shortens an active one.
func (c *Cooldown) Set(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	full := c.prefix + key
	if err := c.client.SetArgs(ctx, full, time.Now().Add(d).UTC().Format(time.RFC3339), redis.SetArgs{TTL: d, Mode: "NX"}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set cooldown %s: %w", key, err)
	}
	remaining, err := c.client.PTTL(ctx, full).Result()
	if err != nil {
		return fmt.Errorf("read cooldown %s: %w", key, err)
	}
	if remaining < d {
		if err := c.client.PExpire(ctx, full, d).Err(); err != nil {
			return fmt.Errorf("extend cooldown %s: %w", key, err)
		}
	}
	return nil
}

// Remaining reports how long the cooldown for key still runs; zero when none.
func (c *Cooldown) Remaining(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.PTTL(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("read cooldown %s: %w", key, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Clear drops a cooldown early.
func (c *Cooldown) Clear(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

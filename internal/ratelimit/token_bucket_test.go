package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, _, err := bucket.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "org-1")
	assert.True(t, allowed)
	allowed, tokens, _ := bucket.Allow(ctx, "org-1")
	assert.False(t, allowed, "third trigger within the same instant is rejected")
	assert.Less(t, tokens, 1.0)

	allowed, _, _ = bucket.Allow(ctx, "org-2")
	assert.True(t, allowed, "organizations have separate buckets")

	clock = clock.Add(1500 * time.Millisecond)
	allowed, _, err = bucket.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, allowed, "refilled after time passes")
}

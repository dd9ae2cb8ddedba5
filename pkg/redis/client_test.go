package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/residenza/backoffice/pkg/config"
)

func TestIncrWithTTLStartsWindowOnce(t *testing.T) {
	ctx := context.Background()
	fake := newFakeCommands()
	client := &Client{cmds: fake}
	key := client.RateLimitKey("ip:payments:10.0.0.1")

	for want := int64(1); want <= 3; want++ {
		count, err := client.IncrWithTTL(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
	require.Len(t, fake.expires, 1)
	assert.Equal(t, time.Minute, fake.expires[key])
}

func TestRemoteStatusCache(t *testing.T) {
	ctx := context.Background()
	client := &Client{cmds: newFakeCommands()}
	orderID := "RZ-20260301-0000abcd"

	_, ok, err := client.CachedRemoteStatus(ctx, "satispay", orderID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.CacheRemoteStatus(ctx, "satispay", orderID, "PENDING", 3*time.Second))
	status, ok, err := client.CachedRemoteStatus(ctx, "satispay", orderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "PENDING", status)

	require.NoError(t, client.Del(ctx, client.RemoteStatusKey("satispay", orderID)))
	_, err = client.Get(ctx, client.RemoteStatusKey("satispay", orderID))
	assert.ErrorIs(t, err, redis.Nil)
}

func TestDeleteIfValueOnlyRemovesOwnedKey(t *testing.T) {
	ctx := context.Background()
	client := &Client{cmds: newFakeCommands()}
	key := client.LockKey("cron:reconcile-sweep")

	ok, err := client.SetNX(ctx, key, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := client.DeleteIfValue(ctx, key, "worker-b")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = client.DeleteIfValue(ctx, key, "worker-a")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err = client.SetNX(ctx, key, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "rz:idempotency:staff-1:abc", client.IdempotencyKey("staff-1", "abc"))
	assert.Equal(t, "rz:rate_limit:ip:payments:10.0.0.1", client.RateLimitKey("ip:payments:10.0.0.1"))
	assert.Equal(t, "rz:lock:reconcile_sweep", client.LockKey("reconcile_sweep"))
	assert.Equal(t, "rz:remote_status:stripe", client.RemoteStatusKey("stripe", " "))
}

func TestNilClientIsNotInitialized(t *testing.T) {
	var client *Client
	assert.ErrorIs(t, client.Ping(context.Background()), errNotInitialized)
	_, err := client.Get(context.Background(), "k")
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, client.Close())
}

func TestBuildOptions(t *testing.T) {
	_, err := buildOptions(config.RedisConfig{})
	require.Error(t, err)

	opts, err := buildOptions(config.RedisConfig{
		Address:     " localhost:6379 ",
		DB:          2,
		PoolSize:    7,
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)

	opts, err = buildOptions(config.RedisConfig{URL: "redis://:secret@cache:6380/4", DB: 1, PoolSize: 3})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 4, opts.DB, "db from the url wins")
	assert.Equal(t, 3, opts.PoolSize)

	_, err = buildOptions(config.RedisConfig{URL: "://bad"})
	assert.Error(t, err)
}

type fakeCommands struct {
	data    map[string]string
	counts  map[string]int64
	expires map[string]time.Duration
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		data:    map[string]string{},
		counts:  map[string]int64{},
		expires: map[string]time.Duration{},
	}
}

func (f *fakeCommands) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeCommands) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCommands) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCommands) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	if _, exists := f.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCommands) Incr(_ context.Context, key string) *redis.IntCmd {
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCommands) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCommands) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(f.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

// Eval only understands compareAndDelete.
func (f *fakeCommands) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if script != compareAndDelete || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script"))
	}
	if f.data[keys[0]] != fmt.Sprint(args[0]) {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(f.data, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

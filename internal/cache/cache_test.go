package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestIncr_Monotonic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.PendingCountKey(uuid.New())

	for i := int64(1); i <= 5; i++ {
		n, err := rc.Incr(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

// Counter increments must be atomic under concurrent ingestion from multiple
// adapter instances.
func TestIncr_Concurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.PendingCountKey(uuid.New())

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := rc.Incr(ctx, key, time.Hour)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := rc.Incr(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines+1), n)
}

func TestSetNX_OnlyFirstWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ScheduledKey(uuid.New())

	set, err := rc.SetNX(ctx, key, []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = rc.SetNX(ctx, key, []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestDelete_ResetsCounter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.PendingCountKey(uuid.New())

	_, err := rc.Incr(ctx, key, time.Hour)
	require.NoError(t, err)
	require.NoError(t, rc.Delete(ctx, key))

	n, err := rc.Incr(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

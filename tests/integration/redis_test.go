//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amxwer/File-downloader/internal/domain"
	redisstore "github.com/amxwer/File-downloader/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRedis_SetGetStatus_RoundTrip(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "dl-1", domain.StatusInProgress))

	got, err := store.GetStatus(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got)
}

func TestRedis_GetStatus_NotFound(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))

	_, err := store.GetStatus(context.Background(), "does-not-exist")
	require.Error(t, err)

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.TaskID)
}

func TestRedis_SetGetMeta_RoundTrip(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &domain.Task{
		ID:           "dl-meta-1",
		SourceURL:    "https://example.com/report.pdf",
		Status:       domain.StatusCompleted,
		AttemptCount: 2,
		ResultRef:    "s3://bucket/blobs/dl-meta-1",
		SizeBytes:    4096,
		ContentType:  "application/pdf",
		CreatedAt:    now,
		UpdatedAt:    now,
		CompletedAt:  &now,
	}
	require.NoError(t, store.SetTaskMeta(ctx, task))

	got, err := store.GetTaskMeta(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.SourceURL, got.SourceURL)
	assert.Equal(t, task.Status, got.Status)
	assert.Equal(t, task.ResultRef, got.ResultRef)
	assert.Equal(t, task.SizeBytes, got.SizeBytes)
	require.NotNil(t, got.CompletedAt)
}

func TestRedis_RateLimiter_AllowsUnderLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "example.com")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be within the limit", i+1)
	}

	allowed, err := limiter.Allow(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, allowed, "sixth request must be rejected")
}

func TestRedis_RateLimiter_HostsAreIndependent(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Minute)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "a.example.com")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "a.example.com")
	require.NoError(t, err)
	assert.False(t, allowed, "a.example.com exhausted its budget")

	allowed, err = limiter.Allow(ctx, "b.example.com")
	require.NoError(t, err)
	assert.True(t, allowed, "b.example.com has its own budget")
}

func TestRedis_RateLimiter_WindowSlides(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, 200*time.Millisecond)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(250 * time.Millisecond)

	allowed, err = limiter.Allow(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, allowed, "old events fell out of the window")
}

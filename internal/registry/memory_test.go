package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amxwer/File-downloader/internal/domain"
	"github.com/amxwer/File-downloader/internal/registry"
	"github.com/amxwer/File-downloader/pkg/backoff"
)

// fakeClock is a settable time source shared with the registry under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPolicy() registry.Policy {
	return registry.Policy{
		MaxAttempts:  3,
		ClaimTimeout: time.Minute,
		RetryBackoff: backoff.Config{Base: time.Second, Cap: 10 * time.Second},
	}
}

func newTestRegistry(t *testing.T) (*registry.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return registry.NewMemory(testPolicy(), registry.WithClock(clock.Now)), clock
}

func TestCreate_StartsPending(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "https://example.com/a.txt", task.SourceURL)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Zero(t, task.AttemptCount)
	assert.Empty(t, task.ErrorReason)
	assert.Empty(t, task.ResultRef)
}

func TestGetByID_Unknown(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.GetByID(context.Background(), "no-such-task")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestClaimNext_EmptyRegistry(t *testing.T) {
	reg, _ := newTestRegistry(t)

	task, err := reg.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimNext_FIFOByCreation(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Create(ctx, "https://example.com/1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := reg.Create(ctx, "https://example.com/2")
	require.NoError(t, err)

	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, domain.StatusInProgress, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)

	claimed, err = reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestClaimNext_TiesBrokenByID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// Same clock reading for both creates.
	a, err := reg.Create(ctx, "https://example.com/a")
	require.NoError(t, err)
	b, err := reg.Create(ctx, "https://example.com/b")
	require.NoError(t, err)

	lower := a.ID
	if b.ID < lower {
		lower = b.ID
	}

	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, lower, claimed.ID)
}

// N workers racing over M tasks must claim each task exactly once.
func TestClaimNext_ConcurrentClaimsNeverDouble(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	const numTasks = 50
	const numWorkers = 16

	for i := 0; i < numTasks; i++ {
		_, err := reg.Create(ctx, fmt.Sprintf("https://example.com/%d", i))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claims := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := reg.ClaimNext(ctx)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				claims[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claims, numTasks, "every task should be claimed")
	for id, n := range claims {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestRecordSuccess_SetsResultRef(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)
	_, err = reg.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.RecordSuccess(ctx, task.ID, "blobs/"+task.ID, 1024, "text/plain"))

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "blobs/"+task.ID, got.ResultRef)
	assert.Equal(t, int64(1024), got.SizeBytes)
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Empty(t, got.ErrorReason, "result_ref and error_reason are mutually exclusive")
	require.NotNil(t, got.CompletedAt)
}

func TestRecordSuccess_NotInProgress(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)

	err = reg.RecordSuccess(ctx, task.ID, "ref", 0, "")
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusPending, invalid.From)
}

func TestRecordFailure_PermanentIsTerminal(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/missing")
	require.NoError(t, err)
	_, err = reg.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.RecordFailure(ctx, task.ID, domain.ReasonNotFound, false))

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonNotFound, got.ErrorReason)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.ResultRef)
}

func TestRecordFailure_RetriableRequeuesWithBackoff(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/flaky")
	require.NoError(t, err)
	_, err = reg.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.RecordFailure(ctx, task.ID, domain.ReasonTimeout, true))

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.ErrorReason, "re-queued task must not carry an error reason")

	// Not claimable until the backoff delay elapses.
	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clock.Advance(time.Second)
	claimed, err = reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.AttemptCount)
}

// Two timeouts then success with max_attempts = 3.
func TestRetryCycle_TimeoutTwiceThenSucceed(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/slow")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claimed, err := reg.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, reg.RecordFailure(ctx, task.ID, domain.ReasonTimeout, true))
		clock.Advance(time.Minute)
	}

	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 3, claimed.AttemptCount)

	require.NoError(t, reg.RecordSuccess(ctx, task.ID, "blobs/"+task.ID, 9, "application/octet-stream"))

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
}

func TestRecordFailure_AttemptsExhausted(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/flaky")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claimed, err := reg.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should be claimable", i+1)
		require.NoError(t, reg.RecordFailure(ctx, task.ID, domain.ReasonServerError, true))
		clock.Advance(time.Minute)
	}

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonServerError, got.ErrorReason)
	assert.Equal(t, 3, got.AttemptCount, "attempt_count never exceeds max_attempts")
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)
	_, err = reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.RecordSuccess(ctx, task.ID, "ref-1", 1, "text/plain"))

	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, reg.RecordSuccess(ctx, task.ID, "ref-2", 2, "text/plain"), &invalid)
	require.ErrorAs(t, reg.RecordFailure(ctx, task.ID, domain.ReasonTimeout, true), &invalid)

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "ref-1", got.ResultRef, "terminal task must not change")
}

// A task stuck IN_PROGRESS past the claim timeout becomes
// claimable again, and the re-claim counts as a retry attempt.
func TestReclaimStale_LostWorker(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)
	_, err = reg.ClaimNext(ctx)
	require.NoError(t, err)

	// Too early: nothing to reclaim.
	n, err := reg.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = reg.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, 2, claimed.AttemptCount)
}

func TestReclaimStale_FinalAttemptFailsTerminally(t *testing.T) {
	clock := newFakeClock()
	policy := testPolicy()
	policy.MaxAttempts = 1
	reg := registry.NewMemory(policy, registry.WithClock(clock.Now))
	ctx := context.Background()

	task, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)
	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.AttemptCount)

	// Worker dies holding the last allowed attempt. Re-queueing here would
	// let the next claim exceed the attempt budget, so the task must fail.
	clock.Advance(2 * time.Minute)
	n, err := reg.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := reg.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonTimeout, got.ErrorReason)
	assert.LessOrEqual(t, got.AttemptCount, policy.MaxAttempts)
	require.NotNil(t, got.CompletedAt)

	next, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestReclaimStale_LeavesFreshClaimsAlone(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "https://example.com/a.txt")
	require.NoError(t, err)
	_, err = reg.ClaimNext(ctx)
	require.NoError(t, err)

	clock.Advance(30 * time.Second) // under the 1m claim timeout
	n, err := reg.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	claimed, err := reg.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "actively claimed task must not be claimable")
}

// Package registry defines the task registry: the single arbiter of task
// state. Workers never mutate task state except through its operations.
package registry

import (
	"context"
	"time"

	"github.com/amxwer/File-downloader/internal/domain"
	"github.com/amxwer/File-downloader/pkg/backoff"
)

// Policy holds the retry and reclamation knobs shared by all
// Registry implementations.
type Policy struct {
	// MaxAttempts bounds attempt_count. Once reached, a retriable failure
	// becomes terminal.
	MaxAttempts int
	// ClaimTimeout is how long a task may sit IN_PROGRESS without an update
	// before it is considered abandoned by a lost worker.
	ClaimTimeout time.Duration
	// RetryBackoff computes the delay before a re-queued task becomes
	// claimable again.
	RetryBackoff backoff.Config
}

// DefaultPolicy mirrors the configuration defaults of the downloader service.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		ClaimTimeout: 5 * time.Minute,
		RetryBackoff: backoff.Config{Base: 2 * time.Second, Cap: time.Minute},
	}
}

// Registry is the authoritative source of truth for task state. All
// transitions are atomic: concurrent callers can never observe or produce a
// double claim.
type Registry interface {
	// Create inserts a new PENDING task for sourceURL and returns it.
	Create(ctx context.Context, sourceURL string) (*domain.Task, error)

	// ClaimNext atomically claims the oldest claimable PENDING task (FIFO by
	// created_at, ties by id): it transitions the task to IN_PROGRESS and
	// increments attempt_count. Returns (nil, nil) when nothing is claimable.
	ClaimNext(ctx context.Context) (*domain.Task, error)

	// RecordSuccess transitions IN_PROGRESS → COMPLETED and sets the result
	// reference. Returns InvalidTransitionError if the task is not IN_PROGRESS.
	RecordSuccess(ctx context.Context, id, resultRef string, sizeBytes int64, contentType string) error

	// RecordFailure either re-queues the task (retriable, attempts left) with
	// a backoff delay, or transitions it to FAILED with reason. Returns
	// InvalidTransitionError if the task is not IN_PROGRESS.
	RecordFailure(ctx context.Context, id, reason string, retriable bool) error

	// GetByID is the read-only lookup used by the query interface.
	GetByID(ctx context.Context, id string) (*domain.Task, error)

	// ReclaimStale recovers IN_PROGRESS tasks that have not been updated
	// within ClaimTimeout: tasks with attempts remaining become claimable
	// again, tasks already at MaxAttempts fail terminally with reason
	// "timeout". Returns how many tasks were recovered either way.
	ReclaimStale(ctx context.Context) (int, error)
}

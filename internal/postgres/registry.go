package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amxwer/File-downloader/internal/domain"
	"github.com/amxwer/File-downloader/internal/registry"
)

// Registry is the durable registry.Registry backed by PostgreSQL.
// Claim mutual exclusion relies on FOR UPDATE SKIP LOCKED: two concurrent
// ClaimNext calls can never select the same row.
type Registry struct {
	pool   *pgxpool.Pool
	policy registry.Policy
}

// NewRegistry wraps a pgxpool with the registry.Registry interface.
func NewRegistry(pool *pgxpool.Pool, policy registry.Policy) *Registry {
	return &Registry{pool: pool, policy: policy}
}

var _ registry.Registry = (*Registry)(nil)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, source_url, state, attempt_count, error_reason, result_ref,
	size_bytes, content_type, available_at, created_at, updated_at, completed_at`

func (r *Registry) Create(ctx context.Context, sourceURL string) (*domain.Task, error) {
	now := time.Now().UTC()
	task := &domain.Task{
		ID:          uuid.New().String(),
		SourceURL:   sourceURL,
		Status:      domain.StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, source_url, state, attempt_count, available_at, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
	`,
		task.ID, task.SourceURL, string(task.Status),
		task.AttemptCount, task.AvailableAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, &domain.StorageUnavailableError{Op: "create task", Err: err}
	}
	return task, nil
}

func (r *Registry) ClaimNext(ctx context.Context) (*domain.Task, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET state = $1, attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE state = $3 AND available_at <= $2
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		string(domain.StatusInProgress), now, string(domain.StatusPending),
	)

	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil // nothing claimable
		}
		return nil, err
	}
	return task, nil
}

func (r *Registry) RecordSuccess(ctx context.Context, id, resultRef string, sizeBytes int64, contentType string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $1, result_ref = $2, size_bytes = $3, content_type = $4,
		    updated_at = $5, completed_at = $5
		WHERE id = $6 AND state = $7
	`,
		string(domain.StatusCompleted), resultRef, sizeBytes, contentType,
		now, id, string(domain.StatusInProgress),
	)
	if err != nil {
		return &domain.StorageUnavailableError{Op: "record success", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, "record_success")
	}
	return nil
}

func (r *Registry) RecordFailure(ctx context.Context, id, reason string, retriable bool) error {
	now := time.Now().UTC()

	// Re-queue path: conditional on attempts left, keyed on current state.
	if retriable {
		tag, err := r.pool.Exec(ctx, `
			UPDATE tasks
			SET state = $1,
			    available_at = $2 + (interval '1 second' * least($3 * power(2, attempt_count - 1), $4)),
			    updated_at = $2
			WHERE id = $5 AND state = $6 AND attempt_count < $7
		`,
			string(domain.StatusPending), now,
			r.policy.RetryBackoff.Base.Seconds(), r.policy.RetryBackoff.Cap.Seconds(),
			id, string(domain.StatusInProgress), r.policy.MaxAttempts,
		)
		if err != nil {
			return &domain.StorageUnavailableError{Op: "record failure", Err: err}
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// No attempts left, or wrong state. Fall through to the terminal
		// update, which distinguishes the two.
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $1, error_reason = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND state = $5
	`,
		string(domain.StatusFailed), reason, now, id, string(domain.StatusInProgress),
	)
	if err != nil {
		return &domain.StorageUnavailableError{Op: "record failure", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, "record_failure")
	}
	return nil
}

func (r *Registry) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *Registry) ReclaimStale(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-r.policy.ClaimTimeout)

	// Stale claims with no attempts left fail terminally: re-queueing them
	// would let the next claim push attempt_count past MaxAttempts.
	failed, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $1, error_reason = $2, updated_at = $3, completed_at = $3
		WHERE state = $4 AND updated_at < $5 AND attempt_count >= $6
	`,
		string(domain.StatusFailed), domain.ReasonTimeout, now,
		string(domain.StatusInProgress), cutoff, r.policy.MaxAttempts,
	)
	if err != nil {
		return 0, &domain.StorageUnavailableError{Op: "reclaim stale", Err: err}
	}

	requeued, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $1, available_at = $2, updated_at = $2
		WHERE state = $3 AND updated_at < $4 AND attempt_count < $5
	`,
		string(domain.StatusPending), now,
		string(domain.StatusInProgress), cutoff, r.policy.MaxAttempts,
	)
	if err != nil {
		return 0, &domain.StorageUnavailableError{Op: "reclaim stale", Err: err}
	}
	return int(failed.RowsAffected() + requeued.RowsAffected()), nil
}

// transitionConflict reports why a conditional state update matched no rows.
func (r *Registry) transitionConflict(ctx context.Context, id, op string) error {
	task, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &domain.InvalidTransitionError{TaskID: id, From: task.Status, Op: op}
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var statusStr string
	var errorReason, resultRef, contentType *string
	var sizeBytes *int64
	err := row.Scan(
		&task.ID, &task.SourceURL, &statusStr, &task.AttemptCount,
		&errorReason, &resultRef, &sizeBytes, &contentType,
		&task.AvailableAt, &task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	if errorReason != nil {
		task.ErrorReason = *errorReason
	}
	if resultRef != nil {
		task.ResultRef = *resultRef
	}
	if sizeBytes != nil {
		task.SizeBytes = *sizeBytes
	}
	if contentType != nil {
		task.ContentType = *contentType
	}
	return &task, nil
}

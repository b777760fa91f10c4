package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amxwer/File-downloader/internal/domain"
)

// Memory is an in-process Registry for tests and single-node development.
// A single mutex serializes transitions; contention is scoped to the map
// operations, never to fetch or storage I/O.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*domain.Task
}

// MemoryOption configures a Memory registry.
type MemoryOption func(*Memory)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory registry.
func NewMemory(policy Policy, opts ...MemoryOption) *Memory {
	m := &Memory{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		tasks:  make(map[string]*domain.Task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Registry = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, sourceURL string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	task := &domain.Task{
		ID:          uuid.New().String(),
		SourceURL:   sourceURL,
		Status:      domain.StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[task.ID] = task
	return copyTask(task), nil
}

func (m *Memory) ClaimNext(_ context.Context) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var oldest *domain.Task
	for _, t := range m.tasks {
		if t.Status != domain.StatusPending || t.AvailableAt.After(now) {
			continue
		}
		if oldest == nil || claimBefore(t, oldest) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = domain.StatusInProgress
	oldest.AttemptCount++
	oldest.UpdatedAt = now
	return copyTask(oldest), nil
}

func (m *Memory) RecordSuccess(_ context.Context, id, resultRef string, sizeBytes int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if task.Status != domain.StatusInProgress {
		return &domain.InvalidTransitionError{TaskID: id, From: task.Status, Op: "record_success"}
	}

	now := m.now()
	task.Status = domain.StatusCompleted
	task.ResultRef = resultRef
	task.SizeBytes = sizeBytes
	task.ContentType = contentType
	task.UpdatedAt = now
	task.CompletedAt = &now
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, id, reason string, retriable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if task.Status != domain.StatusInProgress {
		return &domain.InvalidTransitionError{TaskID: id, From: task.Status, Op: "record_failure"}
	}

	now := m.now()
	task.UpdatedAt = now
	if retriable && task.AttemptCount < m.policy.MaxAttempts {
		task.Status = domain.StatusPending
		task.AvailableAt = now.Add(m.policy.RetryBackoff.Delay(task.AttemptCount))
		return nil
	}
	task.Status = domain.StatusFailed
	task.ErrorReason = reason
	task.CompletedAt = &now
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return copyTask(task), nil
}

func (m *Memory) ReclaimStale(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.policy.ClaimTimeout)
	reclaimed := 0
	for _, t := range m.tasks {
		if t.Status != domain.StatusInProgress || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		t.UpdatedAt = now
		// A lost worker on the final allowed attempt has no budget left to
		// re-queue against: the next claim would push attempt_count past
		// MaxAttempts. Fail it terminally instead.
		if t.AttemptCount >= m.policy.MaxAttempts {
			ts := now
			t.Status = domain.StatusFailed
			t.ErrorReason = domain.ReasonTimeout
			t.CompletedAt = &ts
		} else {
			t.Status = domain.StatusPending
			t.AvailableAt = now
		}
		reclaimed++
	}
	return reclaimed, nil
}

// claimBefore orders candidates FIFO by creation time, ties broken by id.
func claimBefore(a, b *domain.Task) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// copyTask returns a snapshot so callers never share memory with the
// registry's authoritative record.
func copyTask(t *domain.Task) *domain.Task {
	c := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

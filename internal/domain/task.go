package domain

import "time"

// Status represents the states a download task can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the core domain entity: one download request and its tracked lifecycle.
//
// ErrorReason is set exactly once when the task fails; ResultRef is set exactly
// once when it completes. Never both, and neither before a terminal state.
type Task struct {
	ID           string `json:"id"`
	SourceURL    string `json:"source_url"`
	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	ErrorReason  string `json:"error_reason,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	// AvailableAt is the earliest time the task may be claimed. Pushed into
	// the future on a retriable failure to realize per-task backoff.
	AvailableAt time.Time  `json:"available_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

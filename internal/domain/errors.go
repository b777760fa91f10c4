package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidTransitionError indicates a scheduling bug: an operation was applied
// to a task whose current state does not permit it. It is never swallowed.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on task %s in state %s", e.Op, e.TaskID, e.From)
}

// StorageUnavailableError wraps an I/O failure of the durable task store or
// the byte storage backend. Not retried by the engine itself; the operation
// that hit it is surfaced to its caller (or the task is re-queued).
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// Well-known FetchError reasons. Reason strings are stable: they end up in
// the task's error_reason column and in API responses.
const (
	ReasonNotFound    = "not_found"
	ReasonForbidden   = "forbidden"
	ReasonTimeout     = "timeout"
	ReasonConnection  = "connection"
	ReasonDNSFailure  = "dns_failure"
	ReasonServerError = "server_error"
	ReasonTooLarge    = "too_large"
	ReasonBadResponse = "bad_response"
	ReasonStorage     = "storage_unavailable"
)

// FetchError classifies a failed retrieval. Retriable errors re-queue the task
// up to the attempt limit; permanent ones fail it immediately.
type FetchError struct {
	URL       string
	Reason    string
	Retriable bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "retriable"
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s (%s): %v", e.URL, e.Reason, kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s (%s)", e.URL, e.Reason, kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RateLimitExceededError is returned when submissions for one remote host
// exceed the configured rate.
type RateLimitExceededError struct {
	Host  string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for host %q: limit is %d", e.Host, e.Limit)
}

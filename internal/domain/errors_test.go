package domain_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/amxwer/File-downloader/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &domain.InvalidTransitionError{
		TaskID: "xyz-789",
		From:   domain.StatusCompleted,
		Op:     "record_failure",
	}
	msg := err.Error()
	if !strings.Contains(msg, "xyz-789") {
		t.Errorf("error message should contain task ID, got: %q", msg)
	}
	if !strings.Contains(msg, "COMPLETED") {
		t.Errorf("error message should contain the current state, got: %q", msg)
	}
	if !strings.Contains(msg, "record_failure") {
		t.Errorf("error message should contain the operation, got: %q", msg)
	}
}

func TestStorageUnavailableError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &domain.StorageUnavailableError{Op: "put", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("StorageUnavailableError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "put") {
		t.Errorf("error message should contain the operation, got: %q", err.Error())
	}
}

func TestFetchError_RetriableMessage(t *testing.T) {
	err := &domain.FetchError{
		URL:       "https://example.com/a.txt",
		Reason:    domain.ReasonTimeout,
		Retriable: true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "timeout") {
		t.Errorf("error message should contain the reason, got: %q", msg)
	}
	if !strings.Contains(msg, "retriable") {
		t.Errorf("error message should mark the error retriable, got: %q", msg)
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &domain.FetchError{URL: "http://x", Reason: domain.ReasonConnection, Retriable: true, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("FetchError should unwrap to its cause")
	}
}

func TestRateLimitExceededError(t *testing.T) {
	err := &domain.RateLimitExceededError{Host: "example.com", Limit: 100}
	msg := err.Error()
	if !strings.Contains(msg, "example.com") {
		t.Errorf("error message should contain the host, got: %q", msg)
	}
	if !strings.Contains(msg, "100") {
		t.Errorf("error message should contain the limit, got: %q", msg)
	}
}

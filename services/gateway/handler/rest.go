package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amxwer/File-downloader/internal/domain"
	redisstore "github.com/amxwer/File-downloader/internal/redis"
	"github.com/amxwer/File-downloader/internal/registry"
	"github.com/amxwer/File-downloader/internal/storage"
	"github.com/amxwer/File-downloader/pkg/telemetry"
)

// REST handles HTTP requests for the gateway.
type REST struct {
	registry registry.Registry
	store    storage.Store
	cache    redisstore.StateStore
	limiter  redisstore.RateLimiter
	logger   *slog.Logger
}

// NewREST creates a new REST handler. limiter may be nil to disable
// per-host rate limiting.
func NewREST(reg registry.Registry, store storage.Store, cache redisstore.StateStore, limiter redisstore.RateLimiter, logger *slog.Logger) *REST {
	return &REST{registry: reg, store: store, cache: cache, limiter: limiter, logger: logger}
}

// SubmitDownloadRequest is the JSON body for POST /api/v1/downloads.
type SubmitDownloadRequest struct {
	URL string `json:"url"`
}

// SubmitDownloadResponse is the 202 response body.
type SubmitDownloadResponse struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"source_url"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DownloadStatusResponse is the GET /downloads/{id} response body.
type DownloadStatusResponse struct {
	ID          string     `json:"id"`
	SourceURL   string     `json:"source_url"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ErrorReason string     `json:"error_reason,omitempty"`
	ResultRef   string     `json:"result_ref,omitempty"`
	SizeBytes   int64      `json:"size_bytes,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// SubmitDownload handles POST /api/v1/downloads. Validation is syntactic
// only: the URL must parse and be http(s). Whether it is actually fetchable
// is the engine's business, reported through the task's failure reason.
func (h *REST) SubmitDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.submit_download")
	defer span.End()
	r = r.WithContext(ctx)

	var req SubmitDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "field 'url' is required")
		return
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "field 'url' must be an absolute http or https URL")
		return
	}

	span.SetAttributes(attribute.String("download.host", parsed.Host))

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, parsed.Host)
		if err != nil {
			// Limiter outage must not take submissions down with it.
			h.logger.Warn("rate limiter unavailable, allowing request", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.GatewayRateLimitedTotal.Inc()
			rlErr := &domain.RateLimitExceededError{Host: parsed.Host, Limit: h.limiter.Limit()}
			writeError(w, http.StatusTooManyRequests, rlErr.Error())
			return
		}
	}

	task, err := h.registry.Create(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		h.logger.Error("failed to create download task", slog.String("url", raw), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "failed to create download task")
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	// Best-effort cache warm-up so the first poll skips Postgres.
	if err := h.cache.SetTaskMeta(ctx, task); err != nil {
		h.logger.Debug("cache meta write failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	if err := h.cache.SetStatus(ctx, task.ID, task.Status); err != nil {
		h.logger.Debug("cache status write failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}

	telemetry.GatewayDownloadsSubmitted.Inc()
	h.logger.Info("download submitted",
		slog.String("task_id", task.ID),
		slog.String("host", parsed.Host),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitDownloadResponse{
		ID:        task.ID,
		SourceURL: task.SourceURL,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// GetDownload handles GET /api/v1/downloads/{id}.
func (h *REST) GetDownload(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "download ID is required")
		return
	}

	ctx := r.Context()

	// Fast path: Redis.
	task, err := h.cache.GetTaskMeta(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("redis error", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve download")
			return
		}

		// Slow path: PostgreSQL fallback (Redis TTL expired or cache miss).
		task, err = h.registry.GetByID(ctx, taskID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "download not found")
				return
			}
			h.logger.Error("postgres error", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve download")
			return
		}
	}

	// Always read the live state from Redis (a worker may have claimed the
	// task since its meta was cached).
	if status, err := h.cache.GetStatus(ctx, taskID); err == nil {
		task.Status = status
	}

	resp := DownloadStatusResponse{
		ID:          task.ID,
		SourceURL:   task.SourceURL,
		Status:      string(task.Status),
		Attempts:    task.AttemptCount,
		ErrorReason: task.ErrorReason,
		ResultRef:   task.ResultRef,
		SizeBytes:   task.SizeBytes,
		ContentType: task.ContentType,
		CreatedAt:   task.CreatedAt,
		CompletedAt: task.CompletedAt,
	}
	if task.CompletedAt != nil {
		resp.DurationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetContent handles GET /api/v1/downloads/{id}/content. It streams the
// stored bytes for a COMPLETED download straight from the blob bucket.
func (h *REST) GetContent(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "download ID is required")
		return
	}

	ctx := r.Context()

	// The registry is authoritative here: serving content needs the committed
	// result reference, not a possibly stale cache row.
	task, err := h.registry.GetByID(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "download not found")
			return
		}
		h.logger.Error("postgres error", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve download")
		return
	}

	if task.Status != domain.StatusCompleted {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "download not completed",
			"status": string(task.Status),
		})
		return
	}

	body, err := h.store.Get(ctx, task.ResultRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			h.logger.Error("result blob missing for completed download", slog.String("task_id", taskID), slog.String("result_ref", task.ResultRef))
			writeError(w, http.StatusNotFound, "download content no longer available")
			return
		}
		h.logger.Error("storage error", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	defer body.Close()

	if task.ContentType != "" {
		w.Header().Set("Content-Type", task.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if task.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(task.SizeBytes, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("content stream interrupted", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.cache.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/admission"
	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/guard"
)

// Submitter is the admission gate as the HTTP layer sees it.
type Submitter interface {
	Submit(ctx context.Context, req admission.SubmitRequest) (*domain.Job, error)
}

// Store is the slice of the job store the HTTP layer needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, tenant string, limit, offset int) ([]*domain.Job, error)
	StatusCounts(ctx context.Context, tenant string) (map[domain.Status]int64, error)
	ListDeadLetters(ctx context.Context, tenant string, limit, offset int) ([]*domain.DeadLetterRecord, error)
	RequeueDeadLetter(ctx context.Context, jobID string) (*domain.Job, error)
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Broker is the slice of the queue broker the HTTP layer needs.
type Broker interface {
	Push(ctx context.Context, tenant, jobID string) error
	RegisterTenant(ctx context.Context, tenant string) error
}

type Handlers struct {
	submitter Submitter
	store     Store
	broker    Broker
	limiter   *guard.Limiter
	policy    guard.Policy
	log       *zap.Logger
}

func NewHandlers(submitter Submitter, store Store, broker Broker, limiter *guard.Limiter, policy guard.Policy, log *zap.Logger) *Handlers {
	return &Handlers{submitter: submitter, store: store, broker: broker, limiter: limiter, policy: policy, log: log}
}

// SubmitJob handles POST /v1/jobs: 202 accepted, 429 on backlog or rate
// limit, 503 when the guard store is down, 400 on bad input.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req admission.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and type are required")
		return
	}

	// Generous per-tenant bucket on the submission path; denials wait for
	// refill inside the request deadline rather than bouncing the caller.
	if h.limiter != nil {
		if _, err := h.limiter.Acquire(r.Context(), h.policy, req.TenantID); err != nil {
			h.writeGuardError(w, err)
			return
		}
	}

	job, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		var be *domain.BacklogError
		switch {
		case errors.As(err, &be):
			w.Header().Set("Retry-After", strconv.Itoa(int(be.RetryAfter/time.Second)))
			writeError(w, http.StatusTooManyRequests, be.Error())
		case errors.Is(err, domain.ErrGuardUnavailable):
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
		default:
			h.log.Error("submit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	limit, offset := pagination(r, 50, 200)

	jobs, err := h.store.ListJobs(r.Context(), tenant, limit, offset)
	if err != nil {
		h.log.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}

func (h *Handlers) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.StatusCounts(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.log.Error("job stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	recs, err := h.store.ListDeadLetters(r.Context(), r.URL.Query().Get("tenant_id"), limit, offset)
	if err != nil {
		h.log.Error("list dead letters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": recs, "limit": limit, "offset": offset})
}

// RequeueDeadLetter re-admits a dead-lettered job to pending under
// operator control. This is the explicit, non-automatic recovery path.
func (h *Handlers) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.store.RequeueDeadLetter(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeError(w, http.StatusConflict, "job is not dead-lettered")
			return
		}
		h.log.Error("dead letter requeue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.broker.Push(r.Context(), job.TenantID, job.ID); err != nil {
		h.log.Error("dead letter push failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.broker.RegisterTenant(r.Context(), job.TenantID); err != nil {
		h.log.Warn("tenant registration failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, job)
}

type retentionRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

// Retention archives terminal jobs older than the cutoff and purges
// archived jobs past their expiry.
func (h *Handlers) Retention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OlderThanHours <= 0 {
		writeError(w, http.StatusBadRequest, "older_than_hours must be a positive integer")
		return
	}

	cutoff := time.Now().Add(-time.Duration(req.OlderThanHours) * time.Hour)
	archived, err := h.store.ArchiveOlderThan(r.Context(), cutoff)
	if err != nil {
		h.log.Error("archive failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	purged, err := h.store.PurgeExpired(r.Context(), time.Now())
	if err != nil {
		h.log.Error("purge failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"archived": archived, "purged": purged})
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) writeGuardError(w http.ResponseWriter, err error) {
	var rle *domain.RateLimitError
	switch {
	case errors.Is(err, domain.ErrGuardUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(rle.ResetAt)/time.Second)+1))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pagination(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > max {
		limit = max
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

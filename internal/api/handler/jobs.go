package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// finishedJobTTL bounds how long a finished job snapshot is served from cache.
const finishedJobTTL = 10 * time.Minute

// JobService is the part of jobs.Service the HTTP layer uses.
type JobService interface {
	Create(ctx context.Context, p jobs.CreateParams) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	SyncStatus(ctx context.Context, id string) (*models.SyncStatus, error)
	Delete(ctx context.Context, id string) (bool, error)
	QueueStats(ctx context.Context) (*jobs.QueueStats, error)
	ListPending(ctx context.Context) ([]models.QueueEntry, error)
	Stats(ctx context.Context) (*jobs.Stats, error)
}

var _ JobService = (*jobs.Service)(nil)

type createJobRequest struct {
	TaskType string `json:"task_type" validate:"required,oneof=image_embedding face_detection face_embedding"`
	MediaRef string `json:"media_ref" validate:"required,max=255"`
	Priority *int   `json:"priority" validate:"omitempty,min=0,max=10"`
}

// jobResponse is a job together with its delivery status.
type jobResponse struct {
	*models.Job
	Sync *models.SyncStatus `json:"sync,omitempty"`
}

// Jobs serves the job endpoints.
type Jobs struct {
	svc      JobService
	cache    cache.Cache
	validate *validator.Validate
}

// NewJobs creates the job handlers. c may be nil to disable snapshot caching.
func NewJobs(svc JobService, c cache.Cache) *Jobs {
	return &Jobs{svc: svc, cache: c, validate: newValidator()}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationDetails maps each failing JSON field to a readable message.
func validationDetails(err error) map[string]string {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return details
	}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			details[fe.Field()] = "is required"
		case "oneof":
			details[fe.Field()] = "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
		case "min", "max":
			if fe.Field() == "priority" {
				details[fe.Field()] = "must be between 0 and 10"
			} else {
				details[fe.Field()] = "must be at most " + fe.Param() + " characters"
			}
		default:
			details[fe.Field()] = "is invalid"
		}
	}
	return details
}

// Create handles POST /api/v1/jobs.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidJSON, "Invalid JSON body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid job request", validationDetails(err))
		return
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	createdBy, _ := mw.GetKeyName(r)

	job, err := h.svc.Create(r.Context(), jobs.CreateParams{
		TaskType:  models.TaskType(req.TaskType),
		MediaRef:  req.MediaRef,
		Priority:  priority,
		CreatedBy: createdBy,
	})
	if err != nil {
		var verr *jobs.ValidationError
		var cerr *jobs.ConflictError
		switch {
		case errors.As(err, &verr):
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid job request",
				map[string]string{verr.Field: verr.Message})
		case errors.As(err, &cerr):
			var details map[string]string
			if cerr.ExistingID != "" {
				details = map[string]string{"existing_job_id": cerr.ExistingID}
			}
			response.Error(w, http.StatusConflict, response.CodeConflict,
				"An active job already exists for this media and task", details)
		default:
			response.Internal(w, r, err)
		}
		return
	}

	response.Created(w, jobResponse{Job: job})
}

// Get handles GET /api/v1/jobs/{jobID}. The id is the only credential.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	ctx := r.Context()

	if h.cache != nil {
		if b, ok, err := h.cache.Get(ctx, cache.JobKey(id)); err == nil && ok {
			response.JSON(w, json.RawMessage(b))
			return
		}
	}

	job, err := h.svc.Get(ctx, id)
	if err != nil {
		response.Internal(w, r, err)
		return
	}
	if job == nil {
		response.NotFound(w, "Job not found")
		return
	}
	sync, err := h.svc.SyncStatus(ctx, id)
	if err != nil {
		response.Internal(w, r, err)
		return
	}

	resp := jobResponse{Job: job, Sync: sync}
	if h.cache != nil && finished(job, sync) {
		if b, err := json.Marshal(resp); err == nil {
			if err := h.cache.Set(ctx, cache.JobKey(id), b, finishedJobTTL); err != nil {
				slog.Warn("failed to cache job", "job_id", id, "error", err)
			}
		}
	}
	response.JSON(w, resp)
}

// finished reports whether neither the job nor its delivery can change.
func finished(job *models.Job, sync *models.SyncStatus) bool {
	return job.Status.Terminal() && (sync == nil || sync.Status != models.SyncPending)
}

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	deleted, err := h.svc.Delete(r.Context(), id)
	if err != nil {
		response.Internal(w, r, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Delete(r.Context(), cache.JobKey(id)); err != nil {
			slog.Warn("failed to evict cached job", "job_id", id, "error", err)
		}
	}
	if !deleted {
		response.NotFound(w, "Job not found")
		return
	}

	by, _ := mw.GetKeyName(r)
	slog.Info("job deleted via api", "job_id", id, "key_name", by)
	response.NoContent(w)
}

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "github.com/gestorhub/erp-sync/internal/errors"
	"github.com/gestorhub/erp-sync/internal/models"
	syncengine "github.com/gestorhub/erp-sync/internal/sync"
)

// SyncService is the orchestrator surface the HTTP layer depends on.
type SyncService interface {
	Start(ctx context.Context, params models.SyncParams, holder models.Holder) (string, error)
	Resume(ctx context.Context, jobID string, holder models.Holder) (string, error)
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context) (*syncengine.StatusView, error)
	Progress(ctx context.Context, jobID string) (*syncengine.ProgressView, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error)
	ListResumable(ctx context.Context) ([]*models.SyncJob, error)
}

type Handler struct {
	syncService SyncService
	logger      *logrus.Logger
}

func NewHandler(syncService SyncService, logger *logrus.Logger) *Handler {
	return &Handler{
		syncService: syncService,
		logger:      logger,
	}
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartSyncRequest is the POST /sync body.
type StartSyncRequest struct {
	ActiveOnly        bool   `json:"active_only"`
	Limit             *int   `json:"limit,omitempty"`
	Pages             int    `json:"pages"`
	ResumeJobID       string `json:"resume_job_id,omitempty"`
	Dedupe            *bool  `json:"dedupe,omitempty"`
	UseModifiedFilter bool   `json:"use_modified_filter"`
	DryRun            bool   `json:"dry_run"`
}

// StartSyncResponse acknowledges a fire-and-forget launch.
type StartSyncResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func holderFromRequest(c *gin.Context) models.Holder {
	return models.Holder{
		UserID: c.GetHeader("X-User-Id"),
		Email:  c.GetHeader("X-User-Email"),
	}
}

// StartSync launches a sync job
// @Summary Start a sync job
// @Description Launches a catalog sync against the upstream ERP. The job runs in the background; poll the progress and status endpoints to follow it.
// @Tags sync
// @Accept json
// @Produce json
// @Param request body StartSyncRequest true "Sync parameters"
// @Success 202 {object} StartSyncResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "A sync is already running"
// @Router /sync [post]
func (h *Handler) StartSync(c *gin.Context) {
	var req StartSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if req.Pages <= 0 {
		req.Pages = models.CompletePagesSentinel
	}

	params := models.SyncParams{
		ActiveOnly:        req.ActiveOnly,
		Limit:             req.Limit,
		Pages:             req.Pages,
		ResumeJobID:       req.ResumeJobID,
		Dedupe:            true,
		UseModifiedFilter: req.UseModifiedFilter,
		DryRun:            req.DryRun,
	}
	if req.Dedupe != nil {
		params.Dedupe = *req.Dedupe
	}

	jobID, err := h.syncService.Start(c.Request.Context(), params, holderFromRequest(c))
	if err != nil {
		h.respondSyncError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, StartSyncResponse{JobID: jobID, Status: "accepted"})
}

// GetStatus reports whether a sync is running
// @Summary Get sync status
// @Description Reports whether a sync is running and summarizes the active job.
// @Tags sync
// @Produce json
// @Success 200 {object} syncengine.StatusView
// @Failure 500 {object} ErrorResponse
// @Router /sync/status [get]
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.syncService.Status(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get sync status")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get sync status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetProgress returns the progress of one job
// @Summary Get job progress
// @Description Returns the ledger entry and the progress snapshot for one job.
// @Tags sync
// @Produce json
// @Param jobId path string true "Job id"
// @Success 200 {object} syncengine.ProgressView
// @Failure 404 {object} ErrorResponse
// @Router /sync/progress/{jobId} [get]
func (h *Handler) GetProgress(c *gin.Context) {
	view, err := h.syncService.Progress(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.respondSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelSync requests cancellation of a running job
// @Summary Cancel a sync job
// @Description Requests cooperative cancellation. The job stops at the next page boundary.
// @Tags sync
// @Produce json
// @Param id path string true "Job id or lock id"
// @Success 202 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /sync/cancel/{id} [post]
func (h *Handler) CancelSync(c *gin.Context) {
	if err := h.syncService.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondSyncError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

// ListJobs lists ledger entries
// @Summary List sync jobs
// @Description Lists ledger entries, newest first, optionally filtered by status and sync type.
// @Tags sync
// @Produce json
// @Param status query string false "Filter by status"
// @Param sync_type query string false "Filter by sync type"
// @Param limit query int false "Maximum entries to return"
// @Success 200 {array} models.SyncJob
// @Failure 500 {object} ErrorResponse
// @Router /sync/jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	var query struct {
		Status   string `form:"status"`
		SyncType string `form:"sync_type"`
		Limit    int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid query parameters"})
		return
	}

	jobs, err := h.syncService.ListJobs(c.Request.Context(), models.JobFilter{
		Status:   query.Status,
		SyncType: query.SyncType,
		Limit:    query.Limit,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to list sync jobs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list sync jobs"})
		return
	}
	if jobs == nil {
		jobs = []*models.SyncJob{}
	}
	c.JSON(http.StatusOK, jobs)
}

// ListResumable lists jobs eligible for resume
// @Summary List resumable jobs
// @Description Lists failed or cancelled jobs that can be resumed from their checkpoint.
// @Tags sync
// @Produce json
// @Success 200 {array} models.SyncJob
// @Failure 500 {object} ErrorResponse
// @Router /sync/resumable [get]
func (h *Handler) ListResumable(c *gin.Context) {
	jobs, err := h.syncService.ListResumable(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list resumable jobs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list resumable jobs"})
		return
	}
	if jobs == nil {
		jobs = []*models.SyncJob{}
	}
	c.JSON(http.StatusOK, jobs)
}

// ResumeSync resumes a job from its checkpoint
// @Summary Resume a sync job
// @Description Relaunches a resumable job from its stored checkpoint.
// @Tags sync
// @Produce json
// @Param jobId path string true "Job id"
// @Success 202 {object} StartSyncResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse "Job is not resumable"
// @Router /sync/resume/{jobId} [post]
func (h *Handler) ResumeSync(c *gin.Context) {
	jobID, err := h.syncService.Resume(c.Request.Context(), c.Param("jobId"), holderFromRequest(c))
	if err != nil {
		h.respondSyncError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StartSyncResponse{JobID: jobID, Status: "accepted"})
}

func (h *Handler) respondSyncError(c *gin.Context, err error) {
	switch {
	case apperrors.IsConflict(err):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case apperrors.IsInvalidInput(err):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		var notResumable *apperrors.JobNotResumableError
		if errors.As(err, &notResumable) {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.WithError(err).Error("Sync operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

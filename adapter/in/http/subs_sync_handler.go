package http

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/core/service/jobqueue"
	"subs_server/core/service/sync"
	"subs_server/infra/database"
	"subs_server/pkg/apperr"
	"subs_server/pkg/ratelimit"
)

const syncRunTimeout = 30 * time.Minute

// SyncHandler exposes the sync trigger and job inspection endpoints.
type SyncHandler struct {
	orchestrator *sync.Orchestrator
	jobs         *jobqueue.Service
	processed    out.ProcessedEmailRepository
	subs         out.SubscriptionRepository
	debouncer    *ratelimit.Debouncer
	db           *sqlx.DB
	adminToken   string
	log          zerolog.Logger
}

func NewSyncHandler(
	orchestrator *sync.Orchestrator,
	jobs *jobqueue.Service,
	processed out.ProcessedEmailRepository,
	subs out.SubscriptionRepository,
	debouncer *ratelimit.Debouncer,
	db *sqlx.DB,
	adminToken string,
	log zerolog.Logger,
) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		jobs:         jobs,
		processed:    processed,
		subs:         subs,
		debouncer:    debouncer,
		db:           db,
		adminToken:   adminToken,
		log:          log.With().Str("handler", "sync").Logger(),
	}
}

// Register mounts the routes.
func (h *SyncHandler) Register(app fiber.Router) {
	app.Post("/connections/:id/sync", h.TriggerSync)
	app.Get("/connections/:id/jobs", h.ListJobs)
	app.Get("/connections/:id/emails", h.ListEmails)
	app.Get("/connections/:id/subscriptions", h.ListSubscriptions)
	app.Get("/jobs/:id", h.GetJob)

	admin := app.Group("/admin", h.requireAdmin)
	admin.Post("/jobs/stop", h.EmergencyStop)
	admin.Post("/reset", h.ResetData)
}

type triggerSyncRequest struct {
	Type string `json:"type"`
}

// TriggerSync starts a sync job for the connection. Rapid duplicate
// triggers are debounced; an already-running job answers 409.
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	connectionID, err := ConnectionIDParam(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	var req triggerSyncRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}

	// Omitted type means a manual trigger
	syncType := domain.SyncManual
	if req.Type != "" {
		parsed, err := domain.ParseSyncType(req.Type)
		if err != nil {
			return AppErrorResponse(c, apperr.InvalidInput("type", "must be initial, incremental or manual"))
		}
		syncType = parsed
	}

	debounceKey := fmt.Sprintf("sync:%d", connectionID)
	if h.debouncer.IsDuplicate(c.Context(), debounceKey) {
		return AppErrorResponse(c, apperr.Conflict("sync recently triggered, try again shortly"))
	}

	// Enqueue through the orchestrator so the event stream is open by
	// the time the job id reaches the caller
	job, err := h.orchestrator.Enqueue(c.Context(), connectionID, syncType)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	h.debouncer.Mark(c.Context(), debounceKey)

	// The request returns immediately; progress is observable via
	// GET /jobs/:id and the event stream.
	go h.runDetached(connectionID, syncType, job.ID)

	h.log.Info().
		Str("job_id", job.ID).
		Int64("connection_id", connectionID).
		Str("type", string(syncType)).
		Msg("sync job enqueued")

	return SuccessResponse(c, fiber.StatusAccepted, job)
}

func (h *SyncHandler) runDetached(connectionID int64, syncType domain.SyncType, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), syncRunTimeout)
	defer cancel()

	if _, err := h.orchestrator.RunSyncJob(ctx, connectionID, syncType, jobID); err != nil {
		h.log.Error().Err(err).
			Str("job_id", jobID).
			Int64("connection_id", connectionID).
			Msg("sync job failed")
	}
}

func (h *SyncHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobs.Get(c.Context(), c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.StatusOK, job)
}

func (h *SyncHandler) ListJobs(c *fiber.Ctx) error {
	connectionID, err := ConnectionIDParam(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	jobs, err := h.jobs.ListForConnection(c.Context(), connectionID, c.QueryInt("limit", 20))
	if err != nil {
		return InternalErrorResponse(c, err, "list jobs")
	}
	return SuccessResponse(c, fiber.StatusOK, jobs)
}

func (h *SyncHandler) ListEmails(c *fiber.Ctx) error {
	connectionID, err := ConnectionIDParam(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	emails, err := h.processed.ListByConnection(c.Context(), connectionID, limit, offset)
	if err != nil {
		return InternalErrorResponse(c, err, "list processed emails")
	}
	return SuccessResponse(c, fiber.StatusOK, emails)
}

func (h *SyncHandler) ListSubscriptions(c *fiber.Ctx) error {
	connectionID, err := ConnectionIDParam(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	subs, err := h.subs.ListByConnection(c.Context(), connectionID)
	if err != nil {
		return InternalErrorResponse(c, err, "list subscriptions")
	}
	return SuccessResponse(c, fiber.StatusOK, subs)
}

// =============================================================================
// Admin
// =============================================================================

func (h *SyncHandler) requireAdmin(c *fiber.Ctx) error {
	if h.adminToken == "" || c.Get("X-Admin-Token") != h.adminToken {
		return AppErrorResponse(c, apperr.Unauthorized("admin token required"))
	}
	return c.Next()
}

func (h *SyncHandler) EmergencyStop(c *fiber.Ctx) error {
	stopped, err := h.jobs.EmergencyStop(c.Context())
	if err != nil {
		return InternalErrorResponse(c, err, "emergency stop")
	}

	h.log.Warn().Int("stopped", stopped).Msg("emergency stop executed")
	return SuccessResponse(c, fiber.StatusOK, fiber.Map{"stopped": stopped})
}

func (h *SyncHandler) ResetData(c *fiber.Ctx) error {
	if err := database.ResetData(c.Context(), h.db); err != nil {
		return InternalErrorResponse(c, err, "reset data")
	}

	h.log.Warn().Msg("pipeline data reset")
	return SuccessResponse(c, fiber.StatusOK, fiber.Map{"reset": true})
}

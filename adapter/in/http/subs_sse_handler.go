package http

import (
	"bufio"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"subs_server/core/domain"
	"subs_server/core/service/jobqueue"
	"subs_server/core/service/progress"
)

// =============================================================================
// Job Event Stream
// =============================================================================

const heartbeatInterval = 15 * time.Second

// EventsHandler streams job progress over Server-Sent Events.
type EventsHandler struct {
	tracker *progress.Tracker
	jobs    *jobqueue.Service
	log     zerolog.Logger
}

func NewEventsHandler(tracker *progress.Tracker, jobs *jobqueue.Service, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		tracker: tracker,
		jobs:    jobs,
		log:     log.With().Str("handler", "events").Logger(),
	}
}

func (h *EventsHandler) Register(app fiber.Router) {
	app.Get("/jobs/:id/events", h.Stream)
}

// Stream subscribes the client to a job's progress feed. A job that is
// already terminal gets its final state and an immediate close.
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	events, unsubscribe := h.tracker.Subscribe(jobID)

	h.log.Info().Str("job_id", jobID).Msg("event stream opened")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// Snapshot sent as the connected event so late subscribers see
	// current counters immediately.
	snapshot := domain.ProgressUpdate{
		Event:              domain.ProgressEventConnected,
		JobID:              job.ID,
		TotalEmails:        job.TotalEmails,
		ProcessedEmails:    job.ProcessedEmails,
		SubscriptionsFound: job.SubscriptionsFound,
		ErrorCount:         job.ErrorCount,
	}
	terminal := job.Status.IsTerminal()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer func() {
			unsubscribe()
			h.log.Info().Str("job_id", jobID).Msg("event stream closed")
		}()

		if err := writeEvent(w, snapshot); err != nil {
			return
		}

		// Nothing further will ever arrive for a terminal job
		if terminal {
			return
		}

		for {
			select {
			case update, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, update); err != nil {
					return
				}
				if update.Event == domain.ProgressEventComplete || update.Event == domain.ProgressEventError {
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, update domain.ProgressUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	w.WriteString("event: ")
	w.WriteString(string(update.Event))
	w.WriteString("\ndata: ")
	w.Write(data)
	w.WriteString("\n\n")
	return w.Flush()
}

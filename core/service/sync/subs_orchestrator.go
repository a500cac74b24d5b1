// Package sync composes fetch, filter, classification, deduplication
// and job bookkeeping into the end-to-end pipeline for one sync run.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/core/service/dedup"
	"subs_server/core/service/filter"
	"subs_server/core/service/jobqueue"
	"subs_server/core/service/progress"
	"subs_server/pkg/logger"
)

// =============================================================================
// SyncOrchestrator
// =============================================================================

const (
	fetchChunkSize   = 50
	progressInterval = 10

	maxResultsManual  = 200
	maxResultsInitial = 1000
)

// Classifier is the injectable classification seam. Production wires
// the LLM-backed service; tests inject a stub.
type Classifier interface {
	Classify(ctx context.Context, email *domain.EmailContent) (*domain.ClassificationResult, error)
}

// SyncResult summarizes one finished run. Counters are populated even
// when the run failed partway.
type SyncResult struct {
	JobID              string           `json:"job_id"`
	Status             domain.JobStatus `json:"status"`
	TotalEmails        int              `json:"total_emails"`
	ProcessedEmails    int              `json:"processed_emails"`
	SubscriptionsFound int              `json:"subscriptions_found"`
	ErrorCount         int              `json:"error_count"`
	Duration           time.Duration    `json:"duration_ms"`
	Error              string           `json:"error,omitempty"`
}

type Orchestrator struct {
	connRepo      out.ConnectionRepository
	processedRepo out.ProcessedEmailRepository
	subRepo       out.SubscriptionRepository
	source        out.MessageSourcePort
	filter        *filter.EmailFilter
	classifier    Classifier
	deduper       *dedup.Service
	jobs          *jobqueue.Service
	tracker       *progress.Tracker
	bodyStore     out.EmailBodyStorePort // optional, nil disables archiving
}

func NewOrchestrator(
	connRepo out.ConnectionRepository,
	processedRepo out.ProcessedEmailRepository,
	subRepo out.SubscriptionRepository,
	source out.MessageSourcePort,
	emailFilter *filter.EmailFilter,
	classifier Classifier,
	deduper *dedup.Service,
	jobs *jobqueue.Service,
	tracker *progress.Tracker,
) *Orchestrator {
	return &Orchestrator{
		connRepo:      connRepo,
		processedRepo: processedRepo,
		subRepo:       subRepo,
		source:        source,
		filter:        emailFilter,
		classifier:    classifier,
		deduper:       deduper,
		jobs:          jobs,
		tracker:       tracker,
	}
}

// WithBodyStore enables raw body archiving.
func (o *Orchestrator) WithBodyStore(store out.EmailBodyStorePort) *Orchestrator {
	o.bodyStore = store
	return o
}

// Enqueue reserves the job slot and registers the job with the progress
// tracker, so subscribers connecting right after the job id is handed
// out get a live stream instead of a closed channel. Fails fast when a
// job is already active for the connection.
func (o *Orchestrator) Enqueue(ctx context.Context, connectionID int64, mode domain.SyncType) (*domain.SyncJob, error) {
	job, err := o.jobs.Enqueue(ctx, connectionID, mode)
	if err != nil {
		return nil, err
	}
	// Total is unknown until the candidate list is built; StartJob
	// accepts the late total.
	o.tracker.StartJob(job.ID, 0)
	return job, nil
}

// RunSync executes one sync invocation for a connection. Per-email
// failures are recorded and counted; only credential failures and
// errors outside the per-email scope abort the job.
func (o *Orchestrator) RunSync(ctx context.Context, connectionID int64, mode domain.SyncType) (*SyncResult, error) {
	job, err := o.Enqueue(ctx, connectionID, mode)
	if err != nil {
		return nil, err
	}
	return o.RunSyncJob(ctx, connectionID, mode, job.ID)
}

// RunSyncJob executes an already-enqueued job. Used by the HTTP layer,
// which enqueues synchronously to hand the job id back to the caller
// and then runs the sync detached.
func (o *Orchestrator) RunSyncJob(ctx context.Context, connectionID int64, mode domain.SyncType, jobID string) (*SyncResult, error) {
	started := time.Now()

	failEarly := func(cause error) (*SyncResult, error) {
		if err := o.jobs.Complete(ctx, jobID, false, cause.Error()); err != nil {
			logger.Error("[SyncOrchestrator.RunSyncJob] Failed to mark job %s failed: %v", jobID, err)
		}
		o.tracker.Finish(jobID, domain.ProgressUpdate{
			Event:   domain.ProgressEventError,
			Message: cause.Error(),
		})
		return nil, cause
	}

	conn, err := o.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return failEarly(fmt.Errorf("load connection: %w", err))
	}
	if !conn.IsActive {
		return failEarly(fmt.Errorf("connection %d is not active", connectionID))
	}

	if err := o.jobs.Start(ctx, jobID); err != nil {
		o.tracker.Finish(jobID, domain.ProgressUpdate{
			Event:   domain.ProgressEventError,
			Message: err.Error(),
		})
		return nil, err
	}
	job := &domain.SyncJob{ID: jobID, ConnectionID: connectionID, Type: mode, Status: domain.JobRunning}

	logger.Info("[SyncOrchestrator.RunSyncJob] Job %s started (%s) for connection %d", job.ID, mode, connectionID)

	result, runErr := o.run(ctx, conn, job, mode)
	result.Duration = time.Since(started)

	if runErr != nil {
		result.Status = domain.JobFailed
		result.Error = runErr.Error()
		if err := o.jobs.Complete(ctx, job.ID, false, runErr.Error()); err != nil {
			logger.Error("[SyncOrchestrator.RunSyncJob] Failed to mark job %s failed: %v", job.ID, err)
		}
		o.tracker.Finish(job.ID, domain.ProgressUpdate{
			Event:              domain.ProgressEventError,
			TotalEmails:        result.TotalEmails,
			ProcessedEmails:    result.ProcessedEmails,
			SubscriptionsFound: result.SubscriptionsFound,
			ErrorCount:         result.ErrorCount,
			Message:            runErr.Error(),
		})
		logger.Error("[SyncOrchestrator.RunSyncJob] Job %s failed after %d/%d emails: %v",
			job.ID, result.ProcessedEmails, result.TotalEmails, runErr)
		return result, runErr
	}

	// 5. Success: advance the cursor, then finalize
	if cursor, err := o.source.CurrentCursor(ctx, conn); err != nil {
		logger.Warn("[SyncOrchestrator.RunSyncJob] Could not read provider cursor for connection %d: %v", conn.ID, err)
		if err := o.connRepo.AdvanceCursor(ctx, conn.ID, conn.HistoryID, time.Now()); err != nil {
			logger.Error("[SyncOrchestrator.RunSyncJob] Failed to advance last sync time: %v", err)
		}
	} else if err := o.connRepo.AdvanceCursor(ctx, conn.ID, cursor, time.Now()); err != nil {
		logger.Error("[SyncOrchestrator.RunSyncJob] Failed to advance cursor: %v", err)
	}

	result.Status = domain.JobCompleted
	if err := o.jobs.Complete(ctx, job.ID, true, ""); err != nil {
		logger.Error("[SyncOrchestrator.RunSyncJob] Failed to mark job %s completed: %v", job.ID, err)
	}
	o.tracker.Finish(job.ID, domain.ProgressUpdate{
		Event:              domain.ProgressEventComplete,
		TotalEmails:        result.TotalEmails,
		ProcessedEmails:    result.ProcessedEmails,
		SubscriptionsFound: result.SubscriptionsFound,
		ErrorCount:         result.ErrorCount,
	})

	logger.Info("[SyncOrchestrator.RunSyncJob] Job %s completed: %d processed, %d found, %d errors in %s",
		job.ID, result.ProcessedEmails, result.SubscriptionsFound, result.ErrorCount, result.Duration.Round(time.Millisecond))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, conn *domain.Connection, job *domain.SyncJob, mode domain.SyncType) (*SyncResult, error) {
	result := &SyncResult{JobID: job.ID}

	// 2. Candidate list, sized by mode
	window := out.ListWindow{Mode: mode, MaxResults: maxResultsManual}
	if mode == domain.SyncInitial {
		window.MaxResults = maxResultsInitial
	}

	ids, err := o.source.ListSince(ctx, conn, window)
	if err != nil {
		return result, fmt.Errorf("list candidates: %w", err)
	}

	// Skip everything already evaluated (idempotence anchor)
	unprocessed, err := o.processedRepo.FilterUnprocessed(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("filter processed: %w", err)
	}

	result.TotalEmails = len(unprocessed)

	// 3. Progress tracking with the known total
	o.tracker.StartJob(job.ID, result.TotalEmails)
	if err := o.jobs.UpdateProgress(ctx, job.ID, domain.JobCounters{Total: result.TotalEmails}); err != nil {
		logger.Warn("[SyncOrchestrator.run] Progress update failed: %v", err)
	}

	// 4. Per-email loop, chunked fetches, sequential classification
	for start := 0; start < len(unprocessed); start += fetchChunkSize {
		end := start + fetchChunkSize
		if end > len(unprocessed) {
			end = len(unprocessed)
		}
		chunk := unprocessed[start:end]

		batch := o.source.BatchFetch(ctx, conn, chunk)

		for _, failure := range batch.Failed {
			if fatal := fatalProviderError(failure.Err); fatal != nil {
				return result, fatal
			}
			o.recordError(ctx, conn.ID, failure.MessageID, failure.Err)
			result.ProcessedEmails++
			result.ErrorCount++
			o.maybePublish(ctx, job.ID, result)
		}

		for _, email := range batch.Successful {
			if err := o.processEmail(ctx, conn, email, result); err != nil {
				if fatal := fatalProviderError(err); fatal != nil {
					return result, fatal
				}
				o.recordError(ctx, conn.ID, email.MessageID, err)
				result.ErrorCount++
			}
			result.ProcessedEmails++
			o.maybePublish(ctx, job.ID, result)
		}
	}

	o.publish(ctx, job.ID, result)
	return result, nil
}

// processEmail runs one message through filter, classification and
// dedup, then records the outcome. Errors returned here are isolated
// to this email unless fatal.
func (o *Orchestrator) processEmail(ctx context.Context, conn *domain.Connection, email *domain.EmailContent, result *SyncResult) error {
	if o.bodyStore != nil {
		if err := o.bodyStore.Save(ctx, conn.ID, email.MessageID, email.Body); err != nil {
			logger.Warn("[SyncOrchestrator.processEmail] Body archive failed for %s: %v", email.MessageID, err)
		}
	}

	row := &domain.ProcessedEmail{
		ConnectionID: conn.ID,
		MessageID:    email.MessageID,
		Subject:      email.Subject,
		Sender:       email.Sender,
		ReceivedAt:   email.ReceivedAt,
		ProcessedAt:  time.Now(),
	}

	if !o.filter.ShouldProcess(email) {
		return o.recordOutcome(ctx, row)
	}

	classification, err := o.classifier.Classify(ctx, email)
	if err != nil {
		return err
	}

	row.IsSubscription = classification.IsSubscription
	row.Confidence = classification.Confidence
	row.Vendor = classification.Vendor
	row.EmailType = classification.EmailType

	if classification.IsSubscription {
		created, err := o.persistDetection(ctx, conn.ID, email, classification)
		if err != nil {
			return err
		}
		if created {
			result.SubscriptionsFound++
		}
	}

	return o.recordOutcome(ctx, row)
}

// recordOutcome persists the evaluation result. When a row already
// exists from a previously errored attempt, the fresh outcome is
// attached to it instead, clearing the error.
func (o *Orchestrator) recordOutcome(ctx context.Context, row *domain.ProcessedEmail) error {
	created, err := o.processedRepo.Insert(ctx, row)
	if err != nil {
		return err
	}
	if !created {
		return o.processedRepo.AttachResult(ctx, row.MessageID,
			row.IsSubscription, row.Confidence, row.Vendor, row.EmailType)
	}
	return nil
}

// persistDetection inserts a new subscription unless an existing one
// duplicates it. Returns whether a row was created.
func (o *Orchestrator) persistDetection(ctx context.Context, connectionID int64, email *domain.EmailContent, c *domain.ClassificationResult) (bool, error) {
	candidate := &domain.Subscription{
		ConnectionID: connectionID,
		VendorName:   c.Vendor,
		VendorEmail:  c.VendorEmail,
		Amount:       c.Amount,
		Currency:     c.Currency,
		BillingCycle: domain.ParseBillingCycle(c.BillingCycle),
		Status:       domain.SubscriptionActive,
		RenewalType:  domain.RenewalUnknown,
		Confidence:   c.Confidence,
	}
	if c.NextBillingAt != "" {
		if d, err := time.Parse("2006-01-02", c.NextBillingAt); err == nil {
			candidate.NextBillingAt = d
		}
	}
	if candidate.VendorEmail == "" {
		candidate.VendorEmail = email.Sender
	}

	prefix := vendorPrefix(c.Vendor)
	existing, err := o.subRepo.FindCandidates(ctx, connectionID, prefix)
	if err != nil {
		return false, fmt.Errorf("find dedup candidates: %w", err)
	}

	if dup := o.deduper.FindDuplicate(candidate, existing); dup != nil {
		logger.Debug("[SyncOrchestrator.persistDetection] Vendor %q duplicates subscription %d, skipping", c.Vendor, dup.ID)
		return false, nil
	}

	if _, err := o.subRepo.Insert(ctx, candidate); err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return true, nil
}

func (o *Orchestrator) recordError(ctx context.Context, connectionID int64, messageID string, cause error) {
	row := &domain.ProcessedEmail{
		ConnectionID: connectionID,
		MessageID:    messageID,
		ProcessedAt:  time.Now(),
		Error:        cause.Error(),
	}
	if _, err := o.processedRepo.Insert(ctx, row); err != nil {
		logger.Error("[SyncOrchestrator.recordError] Failed to record error for %s: %v", messageID, err)
	}
}

func (o *Orchestrator) maybePublish(ctx context.Context, jobID string, result *SyncResult) {
	if result.ProcessedEmails%progressInterval == 0 {
		o.publish(ctx, jobID, result)
	}
}

func (o *Orchestrator) publish(ctx context.Context, jobID string, result *SyncResult) {
	counters := domain.JobCounters{
		Total:     result.TotalEmails,
		Processed: result.ProcessedEmails,
		Found:     result.SubscriptionsFound,
		Errors:    result.ErrorCount,
	}
	if err := o.jobs.UpdateProgress(ctx, jobID, counters); err != nil {
		logger.Warn("[SyncOrchestrator.publish] Counter update failed: %v", err)
	}
	o.tracker.Publish(jobID, domain.ProgressUpdate{
		TotalEmails:        result.TotalEmails,
		ProcessedEmails:    result.ProcessedEmails,
		SubscriptionsFound: result.SubscriptionsFound,
		ErrorCount:         result.ErrorCount,
	})
}

// fatalProviderError returns the error when it must abort the whole
// job (credential problems), nil otherwise.
func fatalProviderError(err error) error {
	var provErr *out.ProviderError
	if errors.As(err, &provErr) && provErr.IsFatal() {
		return provErr
	}
	return nil
}

func vendorPrefix(vendor string) string {
	normalized := dedup.NormalizeVendor(vendor)
	if normalized == "" {
		return ""
	}
	runes := []rune(normalized)
	if len(runes) > 4 {
		runes = runes[:4]
	}
	return string(runes)
}
